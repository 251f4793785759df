package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// startServer runs a server on an ephemeral port and returns its address.
func startServer(t *testing.T) (string, context.CancelFunc) {
	t.Helper()

	srv := New(ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Registry:   newTestRegistry(t),
		Workers:    2,
		Sink:       func(string) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	// Wait for the listener to come up.
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("ListenAndServe: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return srv.Addr(), cancel
}

func dialAndGreet(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	reader := bufio.NewReader(conn)
	if greeting := readLine(t, reader); greeting != "Welcome to the Mail Server!" {
		t.Fatalf("greeting: got %q", greeting)
	}
	return conn, reader
}

func TestServer_ServesMultipleClients(t *testing.T) {
	addr, _ := startServer(t)

	c1, r1 := dialAndGreet(t, addr)
	c2, r2 := dialAndGreet(t, addr)

	sendLine(t, c1, "REGISTER_USER:a@x.com")
	if got := readLine(t, r1); got != "User registered successfully." {
		t.Errorf("client 1 register: got %q", got)
	}

	// State registered through one connection is visible on another.
	sendLine(t, c2, "CHECK_USER:a@x.com")
	if got := readLine(t, r2); got != "User exists" {
		t.Errorf("client 2 check: got %q", got)
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	addr, cancel := startServer(t)

	conn, reader := dialAndGreet(t, addr)
	sendLine(t, conn, "REGISTER_USER:a@x.com")
	readLine(t, reader)

	cancel()

	// The listener closes; new connections are refused soon after.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			break
		}
		c.Close()
		if time.Now().After(deadline) {
			t.Fatal("server still accepting after shutdown")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
