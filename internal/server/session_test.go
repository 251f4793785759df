package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hmontel/mailhub-lite/internal/registry"
	"github.com/hmontel/mailhub-lite/internal/store"
)

// connPair creates a connected pair of net.Conn for testing sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads one response line from the client side.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

// sendLine sends one protocol line to the session.
func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to write line: %v", err)
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	r := registry.New(st)
	if err := r.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

// startSession wires a session over a real TCP pair and returns the client
// side with the greeting already consumed.
func startSession(t *testing.T, reg *registry.Registry) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, serverConn := connPair(t)
	t.Cleanup(func() { client.Close() })

	sink := func(string) {}
	sess := NewSession(serverConn, reg, nil, sink, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	if greeting := readLine(t, reader); greeting != "Welcome to the Mail Server!" {
		t.Fatalf("greeting: got %q", greeting)
	}
	return client, reader
}

func TestSession_RegisterAndCheck(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	sendLine(t, client, "REGISTER_USER:a@x.com")
	if got := readLine(t, reader); got != "User registered successfully." {
		t.Errorf("register: got %q", got)
	}

	sendLine(t, client, "REGISTER_USER:a@x.com")
	if got := readLine(t, reader); got != "User already exists." {
		t.Errorf("re-register: got %q", got)
	}

	sendLine(t, client, "CHECK_USER:a@x.com")
	if got := readLine(t, reader); got != "User exists" {
		t.Errorf("check: got %q", got)
	}

	sendLine(t, client, "CHECK_USER:nobody@x.com")
	if got := readLine(t, reader); got != "Error: User does not exist." {
		t.Errorf("check unknown: got %q", got)
	}
}

func TestSession_Login(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	client, reader := startSession(t, reg)

	sendLine(t, client, `{"kind":"login","address":"a@x.com"}`)
	if got := readLine(t, reader); got != "Error: User does not exist." {
		t.Errorf("login unknown: got %q", got)
	}

	sendLine(t, client, "REGISTER_USER:a@x.com")
	readLine(t, reader)

	sendLine(t, client, `{"kind":"login","address":"a@x.com"}`)
	if got := readLine(t, reader); got != "User connected successfully." {
		t.Errorf("login: got %q", got)
	}
}

// TestSession_SendRetrieveDelete walks the full scenario: register two
// users, send a mail, retrieve it, delete it, retrieve again.
func TestSession_SendRetrieveDelete(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	sendLine(t, client, "REGISTER_USER:a@x.com")
	readLine(t, reader)
	sendLine(t, client, "REGISTER_USER:b@x.com")
	readLine(t, reader)

	sendLine(t, client, `{"kind":"email","sender":"a@x.com","receivers":["b@x.com"],"subject":"Hi","content":"Hello"}`)
	if got := readLine(t, reader); got != "Mail received successfully with ID: 0" {
		t.Fatalf("send: got %q", got)
	}

	sendLine(t, client, "RETRIEVE_MAILS:b@x.com")
	mailLine := readLine(t, reader)
	if !strings.HasPrefix(mailLine, "Mail:0;a@x.com;b@x.com;Hi;Hello;") {
		t.Errorf("mail line: got %q", mailLine)
	}
	if got := readLine(t, reader); got != "END_OF_MAILS" {
		t.Errorf("terminator: got %q", got)
	}

	sendLine(t, client, "DELETE_MAIL:b@x.com,0")
	if got := readLine(t, reader); got != "Mail deleted successfully." {
		t.Errorf("delete: got %q", got)
	}

	sendLine(t, client, "RETRIEVE_MAILS:b@x.com")
	if got := readLine(t, reader); got != "END_OF_MAILS" {
		t.Errorf("retrieve after delete: got %q, want only the terminator", got)
	}
}

func TestSession_RetrieveUnknownUserStillTerminates(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	sendLine(t, client, "RETRIEVE_MAILS:nobody@x.com")
	if got := readLine(t, reader); got != "Error: User does not exist." {
		t.Errorf("retrieve unknown: got %q", got)
	}
	if got := readLine(t, reader); got != "END_OF_MAILS" {
		t.Errorf("terminator: got %q", got)
	}
}

func TestSession_RetrieveNewestFirst(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	old := `{"kind":"email","sender":"a@x.com","receivers":["b@x.com"],"subject":"older","content":"x","timestamp":"2026-01-01T10:00:00Z"}`
	recent := `{"kind":"email","sender":"a@x.com","receivers":["b@x.com"],"subject":"newer","content":"y","timestamp":"2026-01-02T10:00:00Z"}`

	sendLine(t, client, old)
	readLine(t, reader)
	sendLine(t, client, recent)
	readLine(t, reader)

	sendLine(t, client, "RETRIEVE_MAILS:b@x.com")
	first := readLine(t, reader)
	second := readLine(t, reader)
	if !strings.Contains(first, ";newer;") {
		t.Errorf("first mail line should be the newest: %q", first)
	}
	if !strings.Contains(second, ";older;") {
		t.Errorf("second mail line should be the oldest: %q", second)
	}
	if got := readLine(t, reader); got != "END_OF_MAILS" {
		t.Errorf("terminator: got %q", got)
	}
}

func TestSession_DeleteErrors(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	sendLine(t, client, "REGISTER_USER:b@x.com")
	readLine(t, reader)

	cases := []struct {
		line string
		want string
	}{
		{"DELETE_MAIL:b@x.com,notanumber", "Error: Invalid mail ID."},
		{"DELETE_MAIL:b@x.com", "Error: Invalid mail ID."},
		{"DELETE_MAIL:nobody@x.com,0", "Error: User does not exist."},
		{"DELETE_MAIL:b@x.com,99", "Error: Mail not found."},
	}
	for _, tc := range cases {
		sendLine(t, client, tc.line)
		if got := readLine(t, reader); got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.line, got, tc.want)
		}
	}
}

func TestSession_InvalidInputKeepsSessionOpen(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	sendLine(t, client, `{"kind":"mystery"}`)
	if got := readLine(t, reader); got != "Invalid object received." {
		t.Errorf("invalid object: got %q", got)
	}

	sendLine(t, client, "MAKE_COFFEE:now")
	if got := readLine(t, reader); got != "Unknown command." {
		t.Errorf("unknown command: got %q", got)
	}

	// The session is still alive and serving.
	sendLine(t, client, "REGISTER_USER:a@x.com")
	if got := readLine(t, reader); got != "User registered successfully." {
		t.Errorf("register after garbage: got %q", got)
	}
}

func TestSession_Disconnect(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	sendLine(t, client, "DISCONNECT")

	// No response; the server closes the connection.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("expected closed connection after DISCONNECT")
	}
}

func TestSession_MultiReceiverFanOut(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	sendLine(t, client, `{"kind":"email","sender":"a@x.com","receivers":["b@x.com","c@x.com"],"subject":"s","content":"c"}`)
	if got := readLine(t, reader); got != "Mail received successfully with ID: 0" {
		t.Fatalf("send: got %q", got)
	}

	for _, addr := range []string{"b@x.com", "c@x.com"} {
		sendLine(t, client, fmt.Sprintf("RETRIEVE_MAILS:%s", addr))
		mailLine := readLine(t, reader)
		if !strings.HasPrefix(mailLine, "Mail:0;") {
			t.Errorf("%s mail line: got %q", addr, mailLine)
		}
		if got := readLine(t, reader); got != "END_OF_MAILS" {
			t.Errorf("%s terminator: got %q", addr, got)
		}
	}

	// Receivers exist without ever registering.
	sendLine(t, client, "CHECK_USER:c@x.com")
	if got := readLine(t, reader); got != "User exists" {
		t.Errorf("check receiver-only user: got %q", got)
	}
}

func TestSession_InvalidEmailObject(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, newTestRegistry(t))

	// Empty receiver list is a domain error, not a protocol error.
	sendLine(t, client, `{"kind":"email","sender":"a@x.com","receivers":[],"subject":"s","content":"c"}`)
	if got := readLine(t, reader); got != "Error processing email." {
		t.Errorf("empty receivers: got %q", got)
	}

	sendLine(t, client, `{"kind":"email","receivers":["b@x.com"],"subject":"s","content":"c"}`)
	if got := readLine(t, reader); got != "Error processing email." {
		t.Errorf("missing sender: got %q", got)
	}
}
