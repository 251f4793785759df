// Package registry holds the in-memory user/mailbox state and allocates
// email IDs. It is the single source of truth for address lookups; the
// persistence log trails it.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hmontel/mailhub-lite/internal/mail"
	"github.com/hmontel/mailhub-lite/internal/store"
)

// Domain outcomes surfaced to the protocol layer.
var (
	ErrUserNotFound = errors.New("user does not exist")
	ErrMailNotFound = errors.New("mail not found")
)

// User is one mailbox owner. The mailbox keeps arrival order and is guarded
// by its own lock so concurrent retrieve and delete never observe a
// half-removed state.
type User struct {
	Address string

	mu      sync.Mutex
	mailbox []*mail.Email
}

func (u *User) append(e *mail.Email) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mailbox = append(u.mailbox, e)
}

// snapshot returns the mailbox contents newest-first by timestamp.
func (u *User) snapshot() []*mail.Email {
	u.mu.Lock()
	out := make([]*mail.Email, len(u.mailbox))
	copy(out, u.mailbox)
	u.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (u *User) remove(id int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, e := range u.mailbox {
		if e.ID == id {
			u.mailbox = append(u.mailbox[:i], u.mailbox[i+1:]...)
			return true
		}
	}
	return false
}

// Registry maps user addresses to their mailboxes. One Registry is
// constructed at startup and shared by every session.
type Registry struct {
	store *store.Store

	mu    sync.RWMutex
	users map[string]*User

	// nextID holds the next email ID to hand out. Seeded at load time to
	// max(existing IDs)+1 so IDs stay unique across restarts.
	nextID atomic.Int64
}

// New returns an empty Registry backed by the given store.
func New(st *store.Store) *Registry {
	return &Registry{
		store: st,
		users: make(map[string]*User),
	}
}

// Load rebuilds the registry from the persisted user directory and email log
// and seeds the ID allocator.
func (r *Registry) Load() error {
	addresses, err := r.store.LoadUsers()
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	for _, addr := range addresses {
		r.ensureInMemory(addr)
	}

	emails, err := r.store.LoadEmails()
	if err != nil {
		return fmt.Errorf("failed to load emails: %w", err)
	}

	maxID := -1
	for _, e := range emails {
		for _, addr := range e.Receivers {
			r.ensureInMemory(addr).append(e)
		}
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	r.nextID.Store(int64(maxID) + 1)

	slog.Info("registry loaded",
		"users", len(r.users),
		"emails", len(emails),
		"max_id", maxID,
	)
	return nil
}

// AllocateID returns a strictly increasing email ID. Safe under concurrent
// senders; the returned IDs form a total order of acceptance.
func (r *Registry) AllocateID() int {
	return int(r.nextID.Add(1) - 1)
}

// EnsureUser returns the User for the address, creating and persisting it on
// first reference. created reports whether the user was new; a persistence
// failure is returned alongside the (already usable) in-memory user.
func (r *Registry) EnsureUser(address string) (u *User, created bool, err error) {
	r.mu.Lock()
	u, ok := r.users[address]
	if !ok {
		u = &User{Address: address}
		r.users[address] = u
		created = true
	}
	r.mu.Unlock()

	if created {
		if perr := r.store.AppendUser(address); perr != nil {
			err = fmt.Errorf("failed to persist user %q: %w", address, perr)
		}
	}
	return u, created, err
}

// ensureInMemory inserts a user without touching the store; used during Load.
func (r *Registry) ensureInMemory(address string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[address]
	if !ok {
		u = &User{Address: address}
		r.users[address] = u
	}
	return u
}

// CheckUser reports whether the address has a User, registered or implicitly
// created as a receiver.
func (r *Registry) CheckUser(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[address]
	return ok
}

// Lookup returns the User for the address, if any.
func (r *Registry) Lookup(address string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[address]
	return u, ok
}

// Deliver places the email (ID already assigned) into every receiver's
// mailbox and appends one record to the log. A persistence failure never
// rolls back in-memory delivery; it is reported to the caller after all
// receivers have their copy.
func (r *Registry) Deliver(e *mail.Email) error {
	var firstErr error
	for _, addr := range e.Receivers {
		u, _, err := r.EnsureUser(addr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		u.append(e)
	}

	if err := r.store.AppendEmail(e); err != nil {
		slog.Error("failed to persist delivered email", "id", e.ID, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Retrieve returns the user's mailbox contents newest-first.
func (r *Registry) Retrieve(address string) ([]*mail.Email, error) {
	u, ok := r.Lookup(address)
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.snapshot(), nil
}

// Delete removes the entry with the given ID from one user's mailbox and
// rewrites the log with that receiver dropped from the record. Other
// receivers' mailbox entries and log views are untouched.
func (r *Registry) Delete(address string, id int) error {
	u, ok := r.Lookup(address)
	if !ok {
		return ErrUserNotFound
	}
	if !u.remove(id) {
		return ErrMailNotFound
	}
	if err := r.store.RemoveReceiver(id, address); err != nil {
		return fmt.Errorf("failed to remove mail %d from log: %w", id, err)
	}
	return nil
}

// UserCount returns the number of known users.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
