// Package store owns the on-disk persistence log: a flat user directory file
// and an append-only email log, reloaded at startup to rebuild the registry.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hmontel/mailhub-lite/internal/mail"
	"github.com/hmontel/mailhub-lite/internal/metrics"
)

const (
	usersFile  = "users.txt"
	emailsFile = "emails.txt"
)

// Store persists users and emails under one data directory.
//
// All writers serialize on a single store-wide mutex: correctness over
// throughput with many concurrent sessions.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates the data directory if needed and returns a Store bound to it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory path.
func (s *Store) Dir() string {
	return s.dir
}

// LoadUsers reads one user address per line from the user directory file.
// A missing file means an empty directory, not an error.
func (s *Store) LoadUsers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, usersFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("user directory file does not exist, starting fresh", "path", usersFile)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", usersFile, err)
	}
	defer f.Close()

	var addresses []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		addr := strings.TrimSpace(scanner.Text())
		if addr == "" {
			continue
		}
		addresses = append(addresses, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", usersFile, err)
	}
	return addresses, nil
}

// LoadEmails reads one persisted record per line from the email log.
// Malformed records are logged and skipped; a missing file means an empty log.
func (s *Store) LoadEmails() ([]*mail.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, emailsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("email log does not exist, starting fresh", "path", emailsFile)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", emailsFile, err)
	}
	defer f.Close()

	var emails []*mail.Email
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := mail.ParseRecord(line)
		if err != nil {
			slog.Warn("skipping invalid record in email log", "error", err, "line", line)
			continue
		}
		emails = append(emails, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", emailsFile, err)
	}
	return emails, nil
}

// AppendUser appends one address to the user directory file.
func (s *Store) AppendUser(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLine(usersFile, address); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("append_user").Inc()
		return err
	}
	return nil
}

// AppendEmail appends one serialized record to the email log.
// Safe to call from many sessions concurrently.
func (s *Store) AppendEmail(e *mail.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLine(emailsFile, e.Record()); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("append_email").Inc()
		return err
	}
	return nil
}

// RemoveReceiver rewrites the email log with the given address removed from
// the receiver list of the record with the given id. A record whose receiver
// list becomes empty is dropped entirely. The rewrite goes to a temporary
// file that atomically replaces the log; a failed replace leaves the log in
// an inconsistent state that is surfaced to the caller, never retried.
func (s *Store) RemoveReceiver(id int, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, emailsFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		metrics.StoreErrorsTotal.WithLabelValues("remove").Inc()
		return fmt.Errorf("failed to open %s: %w", emailsFile, err)
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		e, perr := mail.ParseRecord(line)
		if perr != nil || e.ID != id {
			// Unparseable lines are preserved as-is; load-time skipping is
			// the place that reports them.
			lines = append(lines, line)
			continue
		}

		remaining := make([]string, 0, len(e.Receivers))
		for _, r := range e.Receivers {
			if r != address {
				remaining = append(remaining, r)
			}
		}
		if len(remaining) == 0 {
			continue
		}
		e.Receivers = remaining
		lines = append(lines, e.Record())
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		metrics.StoreErrorsTotal.WithLabelValues("remove").Inc()
		return fmt.Errorf("failed to read %s: %w", emailsFile, scanErr)
	}

	tmp := path + ".tmp"
	if err := s.writeAll(tmp, lines); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("remove").Inc()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("remove").Inc()
		slog.Error("email log rewrite could not be completed, log may be inconsistent",
			"path", path,
			"error", err,
		)
		return fmt.Errorf("failed to replace %s: %w", emailsFile, err)
	}
	return nil
}

func (s *Store) appendLine(name, line string) error {
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

func (s *Store) writeAll(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
