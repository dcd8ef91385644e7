package main

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// serverSet tracks the servers main started so they can be drained together.
type serverSet struct {
	mu      sync.Mutex
	servers []*http.Server
}

func (s *serverSet) add(srv *http.Server) *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = append(s.servers, srv)
	return srv
}

// shutdown stops accepting connections and waits for in-flight requests,
// such as a running fan-out, until ctx expires.
func (s *serverSet) shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := slices.Clone(s.servers)
	s.mu.Unlock()

	var g errgroup.Group
	for _, srv := range servers {
		g.Go(func() error {
			return srv.Shutdown(ctx)
		})
	}
	return g.Wait()
}
