package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartJetStream starts an in-process NATS server with JetStream on a
// random port and returns a connected JetStream context. Everything is
// torn down through t.Cleanup.
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
		s.WaitForShutdown()
	})

	return s, js
}

// WaitForMessages collects up to n messages from ch or fails after timeout
func WaitForMessages(t *testing.T, ch <-chan *nats.Msg, n int, timeout time.Duration) []*nats.Msg {
	t.Helper()

	var msgs []*nats.Msg
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(msgs) < n {
		select {
		case msg := <-ch:
			msgs = append(msgs, msg)
		case <-timer.C:
			t.Fatalf("timeout waiting for %d messages, got %d", n, len(msgs))
		}
	}
	return msgs
}
