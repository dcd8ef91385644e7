package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tariel-x/edupay/internal/client"
	"github.com/tariel-x/edupay/internal/handlers"
	"github.com/tariel-x/edupay/internal/models"

	"github.com/fatih/color"
)

var (
	errEmptyMessage = errors.New("title and body are required")
	errNotAdmin     = errors.New("token is not an admin token for this audience; mint one with `notify token --admin`")
	errBadToken     = errors.New("token rejected by server; it may be expired or signed with another secret")
)

// Send triggers a fan-out through the server API.
type Send struct {
	Server  string        `short:"s" long:"server" env:"EDUPAY_SERVER" default:"http://localhost:8080" description:"server base URL"`
	Token   string        `short:"t" long:"token" env:"EDUPAY_TOKEN" required:"true" description:"admin access token"`
	School  string        `long:"school" description:"target school id; all schools when empty"`
	Title   string        `long:"title" required:"true" description:"notification title"`
	Body    string        `long:"body" required:"true" description:"notification body"`
	URL     string        `long:"url" description:"path opened when the notification is clicked"`
	Timeout time.Duration `long:"timeout" default:"90s" description:"request timeout"`

	out io.Writer
	api *client.Client
}

func (x *Send) Execute(_ []string) error {
	if x.Title == "" || x.Body == "" {
		return errEmptyMessage
	}
	if n := len([]rune(x.Title)); n > models.MaxTitleLength {
		return fmt.Errorf("title is %d characters, max %d", n, models.MaxTitleLength)
	}
	if n := len([]rune(x.Body)); n > models.MaxBodyLength {
		return fmt.Errorf("body is %d characters, max %d", n, models.MaxBodyLength)
	}

	out := x.out
	if out == nil {
		out = os.Stdout
	}
	api := x.api
	if api == nil {
		api = client.New(x.Server, x.Token)
	}

	req := client.SendRequest{Title: x.Title, Body: x.Body, URL: x.URL}
	if x.School != "" {
		req.SchoolID = &x.School
	}

	ctx, cancel := context.WithTimeout(context.Background(), x.Timeout)
	defer cancel()

	res, err := api.Send(ctx, req)
	switch {
	case client.IsStatus(err, http.StatusUnauthorized):
		return errBadToken
	case client.IsStatus(err, http.StatusForbidden):
		return errNotAdmin
	case err != nil:
		return err
	}
	printReport(out, res)
	return nil
}

func printReport(out io.Writer, res *client.SendResult) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Fprintf(out, "batch %s\n", res.BatchID)
	green.Fprintf(out, "  sent:   %d\n", res.PushesSent)
	if res.Failed > 0 {
		red.Fprintf(out, "  failed: %d\n", res.Failed)
	} else {
		fmt.Fprintf(out, "  failed: %d\n", res.Failed)
	}
	if res.Pruned > 0 {
		yellow.Fprintf(out, "  pruned: %d\n", res.Pruned)
	}
}

// Token signs an access token.
type Token struct {
	Secret string        `long:"secret" env:"JWT_SECRET" required:"true" description:"server JWT secret"`
	User   string        `short:"u" long:"user" required:"true" description:"user id"`
	School string        `long:"school" description:"school the token is scoped to"`
	Admin  bool          `long:"admin" description:"grant the admin role"`
	TTL    time.Duration `long:"ttl" default:"24h" description:"token lifetime"`

	out io.Writer
}

func (x *Token) Execute(_ []string) error {
	role := ""
	if x.Admin {
		role = handlers.RoleAdmin
	}
	tok, err := handlers.GenerateToken(x.Secret, x.User, x.School, role, x.TTL)
	if err != nil {
		return err
	}
	out := x.out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintln(out, tok)
	return nil
}
