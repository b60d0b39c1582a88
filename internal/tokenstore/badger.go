package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/turtlemessenger/turtle/internal/errs"
)

// Badger stores each record field under its fixed key in a badger database.
type Badger struct {
	db   *badger.DB
	owns bool
}

// OpenBadger opens (or creates) a badger database in dir.
func OpenBadger(dir string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, owns: true}, nil
}

// NewBadger wraps an already opened database. Close does not close db.
func NewBadger(db *badger.DB) *Badger { return &Badger{db: db} }

func (b *Badger) Load(context.Context) (Record, error) {
	var r Record
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		for key, dst := range map[string]*string{
			KeyToken:    &r.AccessToken,
			KeyRefresh:  &r.RefreshToken,
			KeyUsername: &r.Username,
		} {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			*dst = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return Record{}, errs.ErrNotFound
	}
	return r, nil
}

func (b *Badger) Save(_ context.Context, r Record) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for key, v := range map[string]string{
			KeyToken:    r.AccessToken,
			KeyRefresh:  r.RefreshToken,
			KeyUsername: r.Username,
		} {
			var err error
			if v == "" {
				err = txn.Delete([]byte(key))
			} else {
				err = txn.Set([]byte(key), []byte(v))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Clear(context.Context) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(KeyToken)); err != nil {
			return err
		}
		return txn.Delete([]byte(KeyRefresh))
	})
}

func (b *Badger) Close() error {
	if !b.owns {
		return nil
	}
	return b.db.Close()
}
