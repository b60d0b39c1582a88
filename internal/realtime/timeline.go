package realtime

import (
	"slices"
	"sort"

	"github.com/samber/lo"

	"github.com/turtlemessenger/turtle/internal/model"
)

// Merge returns base plus every incoming message whose composite key is not
// already present, sorted ascending by TS. Messages with equal TS keep their
// relative order with base first. Neither input is modified.
func Merge(base, incoming []model.Message) []model.Message {
	seen := lo.SliceToMap(base, func(m model.Message) (model.MessageKey, struct{}) {
		return m.Key(), struct{}{}
	})
	out := slices.Clone(base)
	for _, m := range incoming {
		k := m.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b model.Message) int {
		switch {
		case a.TS < b.TS:
			return -1
		case a.TS > b.TS:
			return 1
		}
		return 0
	})
	return out
}

// timeline is the engine's ordered, duplicate-free message list.
type timeline struct {
	msgs []model.Message
	keys map[model.MessageKey]struct{}
}

func newTimeline() *timeline {
	return &timeline{keys: make(map[model.MessageKey]struct{})}
}

// insert places m after every message with TS <= m.TS. It returns false when
// a message with the same key is already present.
func (t *timeline) insert(m model.Message) bool {
	k := m.Key()
	if _, dup := t.keys[k]; dup {
		return false
	}
	t.keys[k] = struct{}{}
	i := sort.Search(len(t.msgs), func(i int) bool { return t.msgs[i].TS > m.TS })
	t.msgs = slices.Insert(t.msgs, i, m)
	return true
}

// merge applies a history page and returns how many messages were new.
func (t *timeline) merge(page []model.Message) int {
	before := len(t.msgs)
	t.msgs = Merge(t.msgs, page)
	for _, m := range page {
		t.keys[m.Key()] = struct{}{}
	}
	return len(t.msgs) - before
}

func (t *timeline) snapshot() []model.Message { return slices.Clone(t.msgs) }

func (t *timeline) len() int { return len(t.msgs) }
