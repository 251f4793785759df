// Package protocol decodes inbound wire messages into a tagged union of
// login objects, email objects, and plain-text commands.
//
// Each exchange carries one logical message per line. Objects are
// self-describing JSON with a "kind" discriminator; everything else is a
// plain-text command with a case-sensitive verb prefix.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hmontel/mailhub-lite/internal/mail"
)

// ErrInvalidObject is returned when a line looks like an object but cannot be
// decoded into a known kind.
var ErrInvalidObject = errors.New("invalid object received")

// Command verbs understood by the server. Prefix matching is case-sensitive.
const (
	CmdRegisterUser  = "REGISTER_USER"
	CmdCheckUser     = "CHECK_USER"
	CmdRetrieveMails = "RETRIEVE_MAILS"
	CmdDeleteMail    = "DELETE_MAIL"
	CmdDisconnect    = "DISCONNECT"
)

// Message is one decoded wire message: a Login, an EmailObject, or a Command.
type Message interface {
	isMessage()
}

// Login is the authentication object: {"kind":"login","address":"..."}.
type Login struct {
	Address string
}

// EmailObject is a client-submitted email. The ID is server-assigned; any
// client-supplied id is ignored. A zero Timestamp means "not provided".
type EmailObject struct {
	Sender    string
	Receivers []string
	Subject   string
	Content   string
	Timestamp time.Time
}

// Command is a plain-text command line split into verb and argument.
// Unrecognized verbs are still returned as a Command so the session can
// answer them uniformly.
type Command struct {
	Verb string
	Arg  string
}

func (Login) isMessage()       {}
func (EmailObject) isMessage() {}
func (Command) isMessage()     {}

// envelope is the wire-level JSON shape shared by all object kinds.
type envelope struct {
	Kind      string   `json:"kind"`
	Address   string   `json:"address"`
	Sender    string   `json:"sender"`
	Receivers []string `json:"receivers"`
	Subject   string   `json:"subject"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"`
}

// Decode decodes one trimmed input line into a Message.
// Lines starting with '{' are decoded as JSON objects; a JSON syntax error or
// an unknown kind yields ErrInvalidObject. All other lines are commands.
func Decode(line string) (Message, error) {
	if strings.HasPrefix(line, "{") {
		return decodeObject(line)
	}

	verb, arg := splitCommand(line)
	return Command{Verb: verb, Arg: arg}, nil
}

func decodeObject(line string) (Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}

	switch env.Kind {
	case "login":
		return Login{Address: strings.TrimSpace(env.Address)}, nil

	case "email":
		obj := EmailObject{
			Sender:    strings.TrimSpace(env.Sender),
			Subject:   env.Subject,
			Content:   env.Content,
			Receivers: cleanAddresses(env.Receivers),
		}
		if env.Timestamp != "" {
			ts, err := time.Parse(mail.TimeFormat, env.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("%w: bad timestamp %q", ErrInvalidObject, env.Timestamp)
			}
			obj.Timestamp = ts
		}
		return obj, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidObject, env.Kind)
	}
}

// splitCommand splits a command line at the first colon. DISCONNECT and other
// bare verbs have no argument.
func splitCommand(line string) (verb, arg string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

func cleanAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
