package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"

	"github.com/turtlemessenger/turtle/internal/errs"
)

func parseUser(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	u := fs.String("u", "", "username")
	if err := fs.Parse(args); err != nil {
		return "", errUsage
	}
	if strings.TrimSpace(*u) == "" {
		return "", &errs.ValidationError{Field: "u", Message: "need -u"}
	}
	return *u, nil
}

// cmdCredentials runs register or login and persists the resulting session.
func (a *app) cmdCredentials(ctx context.Context, op string, args []string) error {
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *u == "" || *p == "" {
		return &errs.ValidationError{Message: "need -u and -p"}
	}

	call := a.session.Login
	if op == "register" {
		call = a.session.Register
	}
	if _, err := call(ctx, *u, *p); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s as %s\n", color.Green.Sprint("ok"), a.session.Username())
	return nil
}

func (a *app) cmdLogout(ctx context.Context) error {
	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *app) cmdWhoami(ctx context.Context) error {
	name, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	st := a.session.State()
	if st.ExpiresAt.IsZero() {
		fmt.Fprintln(a.out, name)
		return nil
	}
	fmt.Fprintf(a.out, "%s (access token expires %s)\n", name, st.ExpiresAt.Local().Format(timeLayout))
	return nil
}

func (a *app) cmdHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	size := fs.Int("size", a.cfg.HistorySize, "page size")
	before := fs.Int64("before", 0, "only messages older than this epoch-millis ts")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	msgs, err := a.client.History(ctx, a.cfg.RoomID, *size, *before)
	if err != nil {
		return err
	}
	renderMessages(a.out, msgs)
	return nil
}

// cmdChat streams the room until in is exhausted, /quit is typed or ctx ends.
func (a *app) cmdChat(ctx context.Context, in io.Reader) error {
	if !a.session.LoggedIn() {
		return errs.ErrNotLoggedIn
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := newChatPrinter(a.out, a.session.Username())
	p.printf("room %d as %s; /quit to leave\n", a.cfg.RoomID, a.session.Username())

	eng := a.engine()
	unwatch := eng.OnChange(p.update)
	defer unwatch()
	eng.Start(ctx)
	defer eng.Stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if err := eng.Send(ctx, line); err != nil {
				p.printf("%s %v\n", color.Red.Sprint("send failed:"), err)
			}
		}
	}
}

func (a *app) cmdContacts(ctx context.Context) error {
	if err := a.book.Refresh(ctx); err != nil {
		return err
	}
	renderContacts(a.out, a.book.Contacts(), "no contacts")
	return nil
}

func (a *app) cmdRequests(ctx context.Context) error {
	if err := a.book.Refresh(ctx); err != nil {
		return err
	}
	renderContacts(a.out, a.book.Requests(), "no pending requests")
	return nil
}

func (a *app) cmdAdd(ctx context.Context, args []string) error {
	user, err := parseUser("add", args)
	if err != nil {
		return err
	}
	if err := a.book.Add(ctx, user); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "request sent to %s\n", strings.TrimSpace(user))
	return nil
}

// cmdAccept and cmdRemove never fail on the mutation itself; the refetched
// lists show whether it took effect.
func (a *app) cmdAccept(ctx context.Context, args []string) error {
	user, err := parseUser("accept", args)
	if err != nil {
		return err
	}
	a.book.Accept(ctx, user)
	renderContacts(a.out, a.book.Contacts(), "no contacts")
	return nil
}

func (a *app) cmdRemove(ctx context.Context, args []string) error {
	user, err := parseUser("rm", args)
	if err != nil {
		return err
	}
	a.book.Remove(ctx, user)
	renderContacts(a.out, a.book.Contacts(), "no contacts")
	return nil
}
