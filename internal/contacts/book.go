// Package contacts tracks the relationship lists of the logged-in user.
// Every mutation is followed by a full refetch; nothing is patched locally.
package contacts

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/metrics"
	"github.com/turtlemessenger/turtle/internal/model"
	"github.com/turtlemessenger/turtle/internal/notify"
)

// Backend is the contacts REST surface.
//
//go:generate mockgen -destination=../mocks/mock_contacts.go -package=mocks github.com/turtlemessenger/turtle/internal/contacts Backend
type Backend interface {
	Contacts(ctx context.Context) ([]model.Contact, error)
	Requests(ctx context.Context) ([]model.Contact, error)
	AddContact(ctx context.Context, user string) error
	AcceptContact(ctx context.Context, user string) error
	RemoveContact(ctx context.Context, user string) error
}

const (
	opAdd    = "add"
	opAccept = "accept"
	opRemove = "remove"
)

// Views is what the server last reported.
type Views struct {
	Contacts []model.Contact // accepted
	Requests []model.Contact // incoming, pending
}

func (v Views) clone() Views {
	return Views{Contacts: slices.Clone(v.Contacts), Requests: slices.Clone(v.Requests)}
}

type Option func(*Book)

func WithLogger(l *zap.Logger) Option { return func(b *Book) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Book) { b.metrics = m } }

// Book holds the two views and reconciles them with the server.
type Book struct {
	backend Backend
	log     *zap.Logger
	metrics *metrics.Metrics

	seq atomic.Uint64

	mu      sync.RWMutex
	views   Views
	applied uint64 // seq of the refresh the views came from

	hub notify.Hub[Views]
}

func New(backend Backend, opts ...Option) *Book {
	b := &Book{backend: backend}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	return b
}

// Refresh refetches both lists. On failure the previous views are kept, and a
// result that arrives after a later-started refresh was applied is dropped.
func (b *Book) Refresh(ctx context.Context) error {
	seq := b.seq.Add(1)
	var v Views
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		v.Contacts, err = b.backend.Contacts(gctx)
		return err
	})
	g.Go(func() (err error) {
		v.Requests, err = b.backend.Requests(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh contacts: %w", err)
	}

	b.mu.Lock()
	if seq < b.applied {
		b.mu.Unlock()
		b.log.Debug("stale contacts refresh dropped", zap.Uint64("seq", seq))
		return nil
	}
	b.applied = seq
	b.views = v
	out := v.clone()
	b.mu.Unlock()

	b.hub.Publish(out)
	return nil
}

// Add sends a contact request to user. If user already asked us, the server
// accepts both sides instead. Add errors are returned; the lists are
// refetched either way.
func (b *Book) Add(ctx context.Context, user string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return &errs.ValidationError{Field: "user", Message: "user is required"}
	}
	err := b.backend.AddContact(ctx, user)
	b.metrics.ContactMutation(opAdd, err == nil)
	b.reconcile(ctx, opAdd)
	if err != nil {
		return fmt.Errorf("%w: add %s: %w", errs.ErrRelationship, user, err)
	}
	return nil
}

// Accept accepts the pending request from user. Failures are logged only.
func (b *Book) Accept(ctx context.Context, user string) {
	b.mutate(ctx, opAccept, user, b.backend.AcceptContact)
}

// Remove drops the relationship with user in both directions. Failures are logged only.
func (b *Book) Remove(ctx context.Context, user string) {
	b.mutate(ctx, opRemove, user, b.backend.RemoveContact)
}

func (b *Book) mutate(ctx context.Context, op, user string, call func(context.Context, string) error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return
	}
	err := call(ctx, user)
	b.metrics.ContactMutation(op, err == nil)
	if err != nil {
		b.log.Warn("contact mutation failed", zap.String("op", op), zap.String("user", user), zap.Error(err))
	}
	b.reconcile(ctx, op)
}

func (b *Book) reconcile(ctx context.Context, op string) {
	if err := b.Refresh(ctx); err != nil {
		b.log.Warn("refetch after mutation failed", zap.String("op", op), zap.Error(err))
	}
}

// Views returns a copy of both lists.
func (b *Book) Views() Views {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.views.clone()
}

func (b *Book) Contacts() []model.Contact { return b.Views().Contacts }

func (b *Book) Requests() []model.Contact { return b.Views().Requests }

// Status looks username up in both views, contacts first.
func (b *Book) Status(username string) (model.ContactStatus, bool) {
	username = strings.ToLower(strings.TrimSpace(username))
	v := b.Views()
	match := func(c model.Contact) bool { return strings.EqualFold(c.Username, username) }
	if c, ok := lo.Find(v.Contacts, match); ok {
		return c.Status, true
	}
	if c, ok := lo.Find(v.Requests, match); ok {
		return c.Status, true
	}
	return "", false
}

// Usernames returns the accepted contacts' usernames in server order.
func (b *Book) Usernames() []string {
	return lo.Map(b.Contacts(), func(c model.Contact, _ int) string { return c.Username })
}

// OnChange registers fn for every successful refresh.
func (b *Book) OnChange(fn func(Views)) (cancel func()) { return b.hub.Subscribe(fn) }
