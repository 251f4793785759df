package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hmontel/mailhub-lite/internal/mail"
	"github.com/hmontel/mailhub-lite/internal/metrics"
	"github.com/hmontel/mailhub-lite/internal/protocol"
	"github.com/hmontel/mailhub-lite/internal/registry"
	"github.com/hmontel/mailhub-lite/internal/relay"
)

// Session states.
const (
	stateConnected = iota // initial, no login yet
	stateActive           // after a recognized login
	stateClosed           // terminal
)

// Response lines. Mailbox-scoped commands name their target address
// explicitly, so none of them require an Active session; login only tracks
// which user the connection speaks for.
const (
	respWelcome       = "Welcome to the Mail Server!"
	respLoginOK       = "User connected successfully."
	respUserNotFound  = "Error: User does not exist."
	respUserExists    = "User exists"
	respRegistered    = "User registered successfully."
	respAlreadyExists = "User already exists."
	respMailError     = "Error processing email."
	respMailDeleted   = "Mail deleted successfully."
	respMailNotFound  = "Error: Mail not found."
	respInvalidMailID = "Error: Invalid mail ID."
	respDeleteFailed  = "Error: Could not delete mail."
	respEndOfMails    = "END_OF_MAILS"
	respUnknownCmd    = "Unknown command."
	respInvalidObject = "Invalid object received."
)

// Session handles the protocol state machine for a single client connection.
type Session struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	reg   *registry.Registry
	relay relay.Provider
	sink  EventSink

	idleTimeout time.Duration

	state int
	user  *registry.User // set on login, nil while unauthenticated
}

// NewSession creates a new session for the given connection.
func NewSession(conn net.Conn, reg *registry.Registry, rel relay.Provider, sink EventSink, idleTimeout time.Duration) *Session {
	return &Session{
		id:          uuid.NewString(),
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		reg:         reg,
		relay:       rel,
		sink:        sink,
		idleTimeout: idleTimeout,
		state:       stateConnected,
	}
}

// Handle runs the session loop: read one message, dispatch, answer, repeat
// until disconnect, end of stream, or an I/O failure. Malformed input never
// ends the loop; it is answered with an error line.
func (s *Session) Handle(ctx context.Context) {
	defer s.close()

	s.writeLine(respWelcome)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "session", s.id, "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "session", s.id, "error", err)
			}
			s.sink("Client disconnected.")
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			metrics.ProtocolErrorsTotal.Inc()
			slog.Debug("invalid object on wire", "session", s.id, "error", err)
			s.writeLine(respInvalidObject)
			continue
		}

		if done := s.dispatch(ctx, msg); done {
			return
		}
	}
}

// dispatch handles one decoded message and returns true when the session
// should end.
func (s *Session) dispatch(ctx context.Context, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Login:
		s.handleLogin(m)
	case protocol.EmailObject:
		s.handleEmail(ctx, m)
	case protocol.Command:
		return s.handleCommand(m)
	}
	return false
}

func (s *Session) handleCommand(cmd protocol.Command) bool {
	switch cmd.Verb {
	case protocol.CmdRegisterUser:
		s.handleRegister(cmd.Arg)
	case protocol.CmdCheckUser:
		s.handleCheck(cmd.Arg)
	case protocol.CmdRetrieveMails:
		s.handleRetrieve(cmd.Arg)
	case protocol.CmdDeleteMail:
		s.handleDelete(cmd.Arg)
	case protocol.CmdDisconnect:
		s.state = stateClosed
		s.sink("Client disconnected.")
		return true
	default:
		metrics.CommandsTotal.WithLabelValues("unknown", "error").Inc()
		s.writeLine(respUnknownCmd)
	}
	return false
}

func (s *Session) handleLogin(m protocol.Login) {
	u, ok := s.reg.Lookup(m.Address)
	if !ok {
		metrics.LoginsTotal.WithLabelValues("unknown_user").Inc()
		s.writeLine(respUserNotFound)
		return
	}

	s.user = u
	s.state = stateActive
	metrics.LoginsTotal.WithLabelValues("ok").Inc()
	s.sink(fmt.Sprintf("User %s connected.", u.Address))
	s.writeLine(respLoginOK)
}

func (s *Session) handleEmail(ctx context.Context, m protocol.EmailObject) {
	if m.Sender == "" || len(m.Receivers) == 0 {
		metrics.CommandsTotal.WithLabelValues("send", "error").Inc()
		s.writeLine(respMailError)
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	e := &mail.Email{
		ID:        s.reg.AllocateID(),
		Sender:    m.Sender,
		Receivers: m.Receivers,
		Subject:   m.Subject,
		Content:   m.Content,
		Timestamp: ts,
	}

	// A persistence failure does not roll back in-memory delivery; the
	// sender still gets the ID, the failure is logged and counted.
	if err := s.reg.Deliver(e); err != nil {
		slog.Error("delivery persisted partially", "session", s.id, "id", e.ID, "error", err)
		s.sink(fmt.Sprintf("Error persisting email %d: %v", e.ID, err))
	}

	metrics.CommandsTotal.WithLabelValues("send", "ok").Inc()
	metrics.MailsDeliveredTotal.Inc()
	s.sink(fmt.Sprintf("Email with ID %d successfully handled.", e.ID))
	s.writeLine("Mail received successfully with ID: %d", e.ID)

	if s.relay != nil {
		go s.forward(ctx, e)
	}
}

// forward pushes an accepted email through the relay provider, best-effort.
func (s *Session) forward(ctx context.Context, e *mail.Email) {
	if err := s.relay.Send(ctx, e); err != nil {
		metrics.RelayTotal.WithLabelValues(s.relay.Name(), "error").Inc()
		slog.Warn("relay failed", "provider", s.relay.Name(), "id", e.ID, "error", err)
		return
	}
	metrics.RelayTotal.WithLabelValues(s.relay.Name(), "ok").Inc()
}

func (s *Session) handleRegister(address string) {
	if address == "" {
		metrics.CommandsTotal.WithLabelValues("register", "error").Inc()
		s.writeLine(respUnknownCmd)
		return
	}

	u, created, err := s.reg.EnsureUser(address)
	if err != nil {
		// The user exists in memory regardless; log the persistence gap.
		slog.Error("failed to persist registered user", "session", s.id, "address", address, "error", err)
	}
	if created {
		metrics.CommandsTotal.WithLabelValues("register", "ok").Inc()
		s.sink(fmt.Sprintf("User %s registered.", u.Address))
		s.writeLine(respRegistered)
		return
	}
	metrics.CommandsTotal.WithLabelValues("register", "exists").Inc()
	s.writeLine(respAlreadyExists)
}

func (s *Session) handleCheck(address string) {
	if s.reg.CheckUser(address) {
		metrics.CommandsTotal.WithLabelValues("check", "ok").Inc()
		s.writeLine(respUserExists)
		return
	}
	metrics.CommandsTotal.WithLabelValues("check", "not_found").Inc()
	s.writeLine(respUserNotFound)
}

func (s *Session) handleRetrieve(address string) {
	emails, err := s.reg.Retrieve(address)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("retrieve", "not_found").Inc()
		s.writeLine(respUserNotFound)
		// The terminator is sent even on errors so clients reading until
		// END_OF_MAILS never hang.
		s.writeLine(respEndOfMails)
		return
	}

	for _, e := range emails {
		s.writeLine("Mail:%s", e.Record())
	}
	s.writeLine(respEndOfMails)
	metrics.CommandsTotal.WithLabelValues("retrieve", "ok").Inc()
}

func (s *Session) handleDelete(arg string) {
	address, idText, ok := strings.Cut(arg, ",")
	if !ok {
		metrics.CommandsTotal.WithLabelValues("delete", "error").Inc()
		s.writeLine(respInvalidMailID)
		return
	}
	address = strings.TrimSpace(address)

	id, err := strconv.Atoi(strings.TrimSpace(idText))
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("delete", "error").Inc()
		s.writeLine(respInvalidMailID)
		return
	}

	switch err := s.reg.Delete(address, id); {
	case err == nil:
		metrics.CommandsTotal.WithLabelValues("delete", "ok").Inc()
		metrics.MailsDeletedTotal.Inc()
		s.sink(fmt.Sprintf("Mail %d deleted for %s.", id, address))
		s.writeLine(respMailDeleted)
	case errors.Is(err, registry.ErrUserNotFound):
		metrics.CommandsTotal.WithLabelValues("delete", "not_found").Inc()
		s.writeLine(respUserNotFound)
	case errors.Is(err, registry.ErrMailNotFound):
		metrics.CommandsTotal.WithLabelValues("delete", "not_found").Inc()
		s.writeLine(respMailNotFound)
	default:
		metrics.CommandsTotal.WithLabelValues("delete", "error").Inc()
		slog.Error("mail deletion failed", "session", s.id, "address", address, "id", id, "error", err)
		s.sink(fmt.Sprintf("Error deleting mail %d: %v", id, err))
		s.writeLine(respDeleteFailed)
	}
}

func (s *Session) close() {
	if s.user != nil {
		slog.Debug("session closed", "session", s.id, "user", s.user.Address)
	}
	s.state = stateClosed
	s.user = nil
	s.conn.Close()
}

// writeLine writes a formatted line to the client, followed by \n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := format
	if len(args) > 0 {
		line = fmt.Sprintf(format, args...)
	}
	if _, err := s.writer.WriteString(line + "\n"); err != nil {
		slog.Error("failed to write to client", "session", s.id, "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "session", s.id, "error", err)
	}
}
