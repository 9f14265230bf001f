package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer runs an embedded NATS server on a random port.
func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func natsBus(t *testing.T, ns *server.Server) *NATS {
	t.Helper()
	b, err := NewNATS(NATSConfig{
		URL:        ns.ClientURL(),
		Prefix:     "test.",
		BufferSize: 16,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSRoundTrip(t *testing.T) {
	ns := startTestServer(t)
	b := natsBus(t, ns)
	require.True(t, b.Connected())

	sub, err := b.Subscribe(SubjectRiskCheck)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sent, err := New("momentum", SubjectRiskCheck, testPayload{Seq: 7})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), sent))

	select {
	case msg := <-sub.C():
		assert.Equal(t, sent.ID, msg.ID)
		assert.Equal(t, sent.CorrelationID, msg.CorrelationID)
		assert.Equal(t, "momentum", msg.Source)
		var p testPayload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, 7, p.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestNATSSubjectsAreIsolated(t *testing.T) {
	ns := startTestServer(t)
	b := natsBus(t, ns)

	fills, err := b.Subscribe(SubjectFills)
	require.NoError(t, err)
	defer fills.Unsubscribe()

	msg, err := New("test", SubjectSignals, testPayload{Seq: 1})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), msg))

	select {
	case <-fills.C():
		t.Fatal("fills subscriber received a signals message")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNATSFanOutAcrossBusInstances(t *testing.T) {
	ns := startTestServer(t)
	producer := natsBus(t, ns)
	consumer := natsBus(t, ns)

	sub, err := consumer.Subscribe(SubjectHeartbeat)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, err := New("risk", SubjectHeartbeat, testPayload{Seq: 3})
	require.NoError(t, err)
	require.NoError(t, producer.Publish(context.Background(), msg))

	select {
	case got := <-sub.C():
		assert.Equal(t, SubjectHeartbeat, got.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("cross-process delivery failed")
	}
}

func TestNATSPublishAfterCloseFails(t *testing.T) {
	ns := startTestServer(t)
	b := natsBus(t, ns)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close()) // idempotent

	msg, err := New("test", SubjectSignals, testPayload{Seq: 1})
	require.NoError(t, err)
	assert.Error(t, b.Publish(context.Background(), msg))
}
