package devserver

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/turtlemessenger/turtle/internal/crypto"
	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/model"
)

type user struct {
	id   int64
	name string
	pwd  crypto.PasswordHash
}

// relation is one directed edge owner -> contact. seq orders creation.
type relation struct {
	status model.ContactStatus
	seq    int64
}

type edge struct{ from, to int64 }

// Store is the in-memory state of the dev backend.
type Store struct {
	mu sync.Mutex

	users  map[string]*user
	byID   map[int64]*user
	nextID int64

	rels map[edge]*relation
	seq  int64

	rooms map[int64][]model.Message
}

func NewStore() *Store {
	return &Store{
		users: make(map[string]*user),
		byID:  make(map[int64]*user),
		rels:  make(map[edge]*relation),
		rooms: make(map[int64][]model.Message),
	}
}

func normalize(username string) string { return strings.ToLower(strings.TrimSpace(username)) }

func (s *Store) createUser(name string, pwd crypto.PasswordHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[name]; ok {
		return errs.ErrAlreadyExists
	}
	s.nextID++
	u := &user{id: s.nextID, name: name, pwd: pwd}
	s.users[name] = u
	s.byID[u.id] = u
	return nil
}

func (s *Store) user(name string) (*user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	return u, ok
}

// resolveLocked finds a user by numeric id first, then by normalised username.
func (s *Store) resolveLocked(usernameOrID string) *user {
	if id, err := strconv.ParseInt(strings.TrimSpace(usernameOrID), 10, 64); err == nil {
		if u, ok := s.byID[id]; ok {
			return u
		}
	}
	return s.users[normalize(usernameOrID)]
}

func (s *Store) relate(from, to int64, st model.ContactStatus) *relation {
	s.seq++
	r := &relation{status: st, seq: s.seq}
	s.rels[edge{from, to}] = r
	return r
}

// Append inserts m keeping the room sorted by TS.
func (s *Store) Append(roomID int64, m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[roomID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].TS > m.TS })
	s.rooms[roomID] = slices.Insert(msgs, i, m)
}

// History returns up to size messages older than before (all when before <= 0), ascending.
func (s *Store) History(roomID int64, size int, before int64) []model.Message {
	if size <= 0 || size > maxHistory {
		size = defaultHistory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.rooms[roomID]
	if before > 0 {
		end := sort.Search(len(msgs), func(i int) bool { return msgs[i].TS >= before })
		msgs = msgs[:end]
	}
	if len(msgs) > size {
		msgs = msgs[len(msgs)-size:]
	}
	return append([]model.Message{}, msgs...)
}

const (
	defaultHistory = 50
	maxHistory     = 200
)
