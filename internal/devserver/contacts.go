package devserver

import (
	"cmp"
	"net/http"
	"slices"

	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/model"
)

// ContactService applies relationship transitions over directed edges.
// A request is my PENDING edge; acceptance flips both edges to ACCEPTED.
type ContactService struct {
	store *Store
}

func NewContactService(store *Store) *ContactService { return &ContactService{store: store} }

func contactOf(u *user, st model.ContactStatus) model.Contact {
	return model.Contact{ID: u.id, Username: u.name, Status: st}
}

func (c *ContactService) me(username string) (*user, error) {
	u, ok := c.store.users[username]
	if !ok {
		return nil, badRequest("user not found")
	}
	return u, nil
}

// List returns my ACCEPTED contacts.
func (c *ContactService) List(username string) ([]model.Contact, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	me, err := c.me(username)
	if err != nil {
		return nil, err
	}
	out := []model.Contact{}
	for e, r := range s.rels {
		if e.from == me.id && r.status == model.StatusAccepted {
			out = append(out, contactOf(s.byID[e.to], r.status))
		}
	}
	sortContacts(out)
	return out, nil
}

// Incoming returns PENDING requests addressed to me that I did not initiate first.
func (c *ContactService) Incoming(username string) ([]model.Contact, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	me, err := c.me(username)
	if err != nil {
		return nil, err
	}
	out := []model.Contact{}
	for e, r := range s.rels {
		if e.to != me.id || r.status != model.StatusPending {
			continue
		}
		if inv, ok := s.rels[edge{me.id, e.from}]; ok && inv.seq < r.seq {
			continue
		}
		out = append(out, contactOf(s.byID[e.from], r.status))
	}
	sortContacts(out)
	return out, nil
}

// Add requests target, or accepts at once when target already asked me.
func (c *ContactService) Add(username, target string) (model.Contact, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	me, err := c.me(username)
	if err != nil {
		return model.Contact{}, err
	}
	other := s.resolveLocked(target)
	if other == nil {
		return model.Contact{}, badRequest("user not found")
	}
	if other.id == me.id {
		return model.Contact{}, badRequest("cannot add yourself")
	}
	if mine, ok := s.rels[edge{me.id, other.id}]; ok {
		return contactOf(other, mine.status), nil
	}
	if theirs, ok := s.rels[edge{other.id, me.id}]; ok {
		switch theirs.status {
		case model.StatusPending:
			theirs.status = model.StatusAccepted
			s.relate(me.id, other.id, model.StatusAccepted)
			return contactOf(other, model.StatusAccepted), nil
		case model.StatusAccepted:
			s.relate(me.id, other.id, model.StatusAccepted)
			return contactOf(other, model.StatusAccepted), nil
		case model.StatusBlocked:
			return model.Contact{}, badRequest("cannot add contact: blocked")
		}
	}
	s.relate(me.id, other.id, model.StatusPending)
	return contactOf(other, model.StatusPending), nil
}

// Accept accepts the pending request other sent me.
func (c *ContactService) Accept(username, target string) (model.Contact, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	me, err := c.me(username)
	if err != nil {
		return model.Contact{}, err
	}
	other := s.resolveLocked(target)
	if other == nil {
		return model.Contact{}, badRequest("user not found")
	}
	incoming, ok := s.rels[edge{other.id, me.id}]
	if !ok {
		return model.Contact{}, badRequest("no request found")
	}
	if incoming.status != model.StatusPending {
		return model.Contact{}, badRequest("no pending request to accept")
	}
	mine, ok := s.rels[edge{me.id, other.id}]
	if ok && mine.status == model.StatusPending && mine.seq < incoming.seq {
		return model.Contact{}, badRequest("only the recipient can accept this request")
	}
	if !ok {
		mine = s.relate(me.id, other.id, model.StatusPending)
	}
	incoming.status = model.StatusAccepted
	mine.status = model.StatusAccepted
	return contactOf(other, model.StatusAccepted), nil
}

// Remove deletes both directions. Unknown users are ignored.
func (c *ContactService) Remove(username, target string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	me, err := c.me(username)
	if err != nil {
		return err
	}
	other := s.resolveLocked(target)
	if other == nil {
		return nil
	}
	delete(s.rels, edge{me.id, other.id})
	delete(s.rels, edge{other.id, me.id})
	return nil
}

// Block marks my edge to target BLOCKED. No route exposes it.
func (c *ContactService) Block(username, target string) error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	me, err := c.me(username)
	if err != nil {
		return err
	}
	other := s.resolveLocked(target)
	if other == nil {
		return &errs.APIError{Status: http.StatusNotFound, Message: "user not found"}
	}
	s.relate(me.id, other.id, model.StatusBlocked)
	return nil
}

func sortContacts(cs []model.Contact) {
	slices.SortFunc(cs, func(a, b model.Contact) int { return cmp.Compare(a.Username, b.Username) })
}
