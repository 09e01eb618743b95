// Package users is the credential directory: a flat username→password file,
// loaded at startup and rewritten on every successful registration.
package users

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dayline-lab/dayline/internal/wire"
)

// Directory holds the registered users. Passwords are compared by plain
// equality; hardening the scheme is out of scope for this service.
type Directory struct {
	path string

	mu    sync.Mutex
	users map[string]string
}

// Open loads the directory file at path, treating a missing file as empty.
func Open(path string) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("users file path must not be empty")
	}
	d := &Directory{path: path, users: make(map[string]string)}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) load() error {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open users file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	n, err := wire.ReadInt32(br)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	for i := int32(0); i < n; i++ {
		username, err := wire.ReadString(br)
		if err != nil {
			return fmt.Errorf("read users file: %w", err)
		}
		password, err := wire.ReadString(br)
		if err != nil {
			return fmt.Errorf("read users file: %w", err)
		}
		d.users[username] = password
	}
	return nil
}

// save rewrites the whole file. Called with the lock held.
func (d *Directory) save() error {
	f, err := os.Create(d.path)
	if err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := wire.WriteInt32(bw, int32(len(d.users))); err != nil {
		f.Close()
		return fmt.Errorf("write users file: %w", err)
	}
	for username, password := range d.users {
		if err := wire.WriteString(bw, username); err != nil {
			f.Close()
			return fmt.Errorf("write users file: %w", err)
		}
		if err := wire.WriteString(bw, password); err != nil {
			f.Close()
			return fmt.Errorf("write users file: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write users file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	return nil
}

// Register adds a new user and persists the directory. It reports false when
// the username is already taken.
func (d *Directory) Register(username, password string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.users[username]; exists {
		return false, nil
	}
	d.users[username] = password
	if err := d.save(); err != nil {
		delete(d.users, username)
		return false, err
	}
	return true, nil
}

// Authenticate reports whether the username exists with this password.
func (d *Directory) Authenticate(username, password string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored, ok := d.users[username]
	return ok && stored == password
}
