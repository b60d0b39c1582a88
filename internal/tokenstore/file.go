package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/turtlemessenger/turtle/internal/crypto/clientcrypto"
	"github.com/turtlemessenger/turtle/internal/errs"
)

const (
	plainName  = "session.json"
	sealedName = "session.sealed"

	sealRecord  = "tm.session"
	sealVersion = 1
)

// sealedFile is the on-disk envelope of a passphrase-protected session.
type sealedFile struct {
	Salt []byte `json:"salt"`
	DEK  []byte `json:"dek"` // wrapped with a key derived from the passphrase
	Data []byte `json:"data"`
}

// File stores the session as JSON in dir. With a non-empty passphrase the
// JSON is sealed with XChaCha20-Poly1305 under a passphrase-derived key.
type File struct {
	mu         sync.Mutex
	dir        string
	passphrase []byte
}

// NewFile returns a file store rooted at dir.
func NewFile(dir, passphrase string) *File {
	f := &File{dir: dir}
	if passphrase != "" {
		f.passphrase = []byte(passphrase)
	}
	return f
}

func (f *File) path() string {
	if f.passphrase != nil {
		return filepath.Join(f.dir, sealedName)
	}
	return filepath.Join(f.dir, plainName)
}

// Path returns the file backing the store.
func (f *File) Path() string { return f.path() }

func (f *File) Load(context.Context) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() (Record, error) {
	b, err := os.ReadFile(f.path())
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, errs.ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if f.passphrase != nil {
		if b, err = f.open(b); err != nil {
			return Record{}, fmt.Errorf("open sealed session: %w", err)
		}
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode session: %w", err)
	}
	return r, nil
}

func (f *File) Save(_ context.Context, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(r)
}

func (f *File) save(r Record) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if f.passphrase != nil {
		if b, err = f.seal(b); err != nil {
			return fmt.Errorf("seal session: %w", err)
		}
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	tmp := f.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path())
}

func (f *File) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		// unreadable state is dropped entirely
		return removeIfExists(f.path())
	}
	if r.Username == "" {
		return removeIfExists(f.path())
	}
	return f.save(Record{Username: r.Username})
}

func (f *File) Close() error { return nil }

func (f *File) seal(plain []byte) ([]byte, error) {
	salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return nil, err
	}
	dek, err := clientcrypto.Rand(clientcrypto.DEKLen)
	if err != nil {
		return nil, err
	}
	kek := clientcrypto.DeriveKEK(f.passphrase, salt)
	wrapped, err := clientcrypto.WrapDEK(kek, dek)
	if err != nil {
		return nil, err
	}
	key, err := clientcrypto.DeriveRecordKey(dek, sealRecord)
	if err != nil {
		return nil, err
	}
	data, err := clientcrypto.SealRecord(key, sealRecord, sealVersion, plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealedFile{Salt: salt, DEK: wrapped, Data: data})
}

func (f *File) open(b []byte) ([]byte, error) {
	var sf sealedFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	kek := clientcrypto.DeriveKEK(f.passphrase, sf.Salt)
	dek, err := clientcrypto.UnwrapDEK(kek, sf.DEK)
	if err != nil {
		return nil, err
	}
	key, err := clientcrypto.DeriveRecordKey(dek, sealRecord)
	if err != nil {
		return nil, err
	}
	return clientcrypto.OpenRecord(key, sealRecord, sealVersion, sf.Data)
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
