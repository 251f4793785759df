// Package mail defines the core email data model and the on-disk record codec
// shared by the persistence log and the wire protocol.
package mail

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the timestamp layout used in persisted records and in
// serialized mail lines sent to clients.
const TimeFormat = time.RFC3339

// recordFields is the number of ;-separated fields in one persisted record.
const recordFields = 6

// Email represents one mail message. An Email is immutable once its ID has
// been assigned; the same Email value is referenced from every receiver's
// mailbox.
type Email struct {
	ID        int
	Sender    string
	Receivers []string
	Subject   string
	Content   string
	Timestamp time.Time
}

// Record serializes the email into its single-line persisted form:
//
//	id;sender;receiver1|receiver2|...;subject;content;timestamp
//
// Field separators and newlines inside field values are backslash-escaped so
// the record always stays on one line with exactly six fields.
func (e *Email) Record() string {
	receivers := make([]string, len(e.Receivers))
	for i, r := range e.Receivers {
		receivers[i] = escapeField(r)
	}

	return strings.Join([]string{
		strconv.Itoa(e.ID),
		escapeField(e.Sender),
		strings.Join(receivers, "|"),
		escapeField(e.Subject),
		escapeField(e.Content),
		e.Timestamp.Format(TimeFormat),
	}, ";")
}

// ParseRecord parses one persisted record line back into an Email.
// It returns an error for anything other than six fields, a non-integer ID,
// an empty receiver list, or an unparseable timestamp.
func ParseRecord(line string) (*Email, error) {
	fields := splitEscaped(line, ';')
	if len(fields) != recordFields {
		return nil, fmt.Errorf("record has %d fields, want %d", len(fields), recordFields)
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid email id %q: %w", fields[0], err)
	}

	rawReceivers := splitEscaped(fields[2], '|')
	receivers := make([]string, 0, len(rawReceivers))
	for _, r := range rawReceivers {
		if r == "" {
			continue
		}
		receivers = append(receivers, unescapeField(r))
	}
	if len(receivers) == 0 {
		return nil, fmt.Errorf("record %d has no receivers", id)
	}

	ts, err := time.Parse(TimeFormat, fields[5])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", fields[5], err)
	}

	return &Email{
		ID:        id,
		Sender:    unescapeField(fields[1]),
		Receivers: receivers,
		Subject:   unescapeField(fields[3]),
		Content:   unescapeField(fields[4]),
		Timestamp: ts,
	}, nil
}

// fieldEscaper encodes the characters that would corrupt the record framing.
var fieldEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\n", "\\n",
	"\r", "\\r",
	";", "\\;",
	"|", "\\|",
)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

func unescapeField(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitEscaped splits s on sep, treating any backslash-prefixed byte as part
// of the current field rather than a separator.
func splitEscaped(s string, sep byte) []string {
	var parts []string
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(c)
			i++
			b.WriteByte(s[i])
			continue
		}
		if c == sep {
			parts = append(parts, b.String())
			b.Reset()
			continue
		}
		b.WriteByte(c)
	}
	parts = append(parts, b.String())
	return parts
}
