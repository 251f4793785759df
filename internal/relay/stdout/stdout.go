// Package stdout implements a relay Provider that prints accepted emails to
// standard output. Useful for local runs and tests.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hmontel/mailhub-lite/internal/mail"
)

const separator = "========================================"

// Provider writes each email as a human-readable block.
type Provider struct {
	w io.Writer
}

// New returns a Provider writing to os.Stdout.
func New() *Provider {
	return &Provider{w: os.Stdout}
}

// NewWithWriter returns a Provider writing to w, used in tests.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{w: w}
}

// Send prints the email. It always reports success; a write failure to
// stdout is not worth failing the relay over.
func (p *Provider) Send(_ context.Context, e *mail.Email) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", separator)
	fmt.Fprintf(&b, "ID: %d\n", e.ID)
	fmt.Fprintf(&b, "From: %s\n", e.Sender)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(e.Receivers, ", "))
	fmt.Fprintf(&b, "Date: %s\n", e.Timestamp.Format(mail.TimeFormat))
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	fmt.Fprintf(&b, "Body:\n%s\n", e.Content)
	fmt.Fprintf(&b, "%s\n", separator)

	_, _ = io.WriteString(p.w, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
