// Command tm is a terminal client for the turtle messenger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtlemessenger/turtle/internal/config"
	"github.com/turtlemessenger/turtle/internal/errs"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `tm - turtle messenger client
Usage:
  tm [-server URL] [-ws URL] [-room N] [flags] <cmd> [args]

Commands:
  version
  register   -u <username> -p <password>
  login      -u <username> -p <password>     (saves the session)
  logout
  whoami
  history    [-size N] [-before MILLIS]
  chat                                       (interactive; /quit to leave)
  contacts
  requests
  add        -u <username>
  accept     -u <username>
  rm         -u <username>

Flags:
`

// errUsage makes run print the usage text and exit 2.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fail(err)
	}
}

// run parses global flags, builds the client stack and dispatches one subcommand.
func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("tm", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprint(errOut, usageText)
		fs.PrintDefaults()
	}
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(out, "tm %s (%s)\n", version, buildDate)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer a.close()

	switch cmd {
	case "register":
		return a.cmdCredentials(ctx, "register", rest)
	case "login":
		return a.cmdCredentials(ctx, "login", rest)
	case "logout":
		return a.cmdLogout(ctx)
	case "whoami":
		return a.cmdWhoami(ctx)
	case "history":
		return a.cmdHistory(ctx, rest)
	case "chat":
		return a.cmdChat(ctx, in)
	case "contacts":
		return a.cmdContacts(ctx)
	case "requests":
		return a.cmdRequests(ctx)
	case "add":
		return a.cmdAdd(ctx, rest)
	case "accept":
		return a.cmdAccept(ctx, rest)
	case "rm":
		return a.cmdRemove(ctx, rest)
	}
	fs.Usage()
	return errUsage
}

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, errs.ErrValidation):
		return 2
	case errors.Is(err, errs.ErrNotLoggedIn), errors.Is(err, errs.ErrUnauthorized):
		return 3
	}
	return 1
}

func fail(err error) {
	if !errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, describe(err))
	}
	os.Exit(exitCode(err))
}

// describe renders err for humans, preferring the server's own message.
func describe(err error) string {
	var apiErr *errs.APIError
	var authErr *errs.AuthError
	var valErr *errs.ValidationError
	switch {
	case errors.Is(err, errs.ErrNotLoggedIn):
		return "not logged in; run: tm login -u <username> -p <password>"
	case errors.As(err, &authErr):
		return "auth error: " + authErr.Error()
	case errors.As(err, &valErr):
		return "invalid input: " + valErr.Error()
	case errors.As(err, &apiErr):
		if apiErr.Message != "" {
			return fmt.Sprintf("server error: status=%d msg=%s", apiErr.Status, apiErr.Message)
		}
		return fmt.Sprintf("server error: status=%d", apiErr.Status)
	}
	return err.Error()
}
