package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

func serveBlocking(t *testing.T, srvs *serverSet) (addr string, started, release chan struct{}) {
	t.Helper()
	started = make(chan struct{})
	release = make(chan struct{})
	srv := srvs.add(&http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String(), started, release
}

func TestServerSetDrainsInFlightRequests(t *testing.T) {
	srvs := &serverSet{}
	addr, started, release := serveBlocking(t, srvs)

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + addr)
		if err != nil {
			status <- 0
			return
		}
		_ = resp.Body.Close()
		status <- resp.StatusCode
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srvs.shutdown(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned before the request finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if code := <-status; code != http.StatusOK {
		t.Fatalf("in-flight request was cut off, status %d", code)
	}
}

func TestServerSetShutdownIsBounded(t *testing.T) {
	srvs := &serverSet{}
	addr, started, release := serveBlocking(t, srvs)
	defer close(release)

	go func() {
		if resp, err := http.Get("http://" + addr); err == nil {
			_ = resp.Body.Close()
		}
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := srvs.shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
