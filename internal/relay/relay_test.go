// ABOUTME: Tests for the question publisher and the answer ingress loop
// ABOUTME: Uses the in-memory broker and a real session registry

package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/wire"
)

const (
	questionQueue = "question_queue"
	answerQueue   = "answer_queue"
)

func newClient(m *broker.Memory) *broker.Client {
	return broker.NewClient(m, broker.Options{
		ReconnectDelay:       10 * time.Millisecond,
		UnexpectedErrorDelay: 10 * time.Millisecond,
	})
}

func startConsumer(t *testing.T, m *broker.Memory, reg *session.Registry) *Consumer {
	t.Helper()
	c := NewConsumer(newClient(m), answerQueue, reg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return c
}

func putAnswer(t *testing.T, m *broker.Memory, ev wire.AnswerEvent) {
	t.Helper()
	body, err := wire.Encode(&ev)
	require.NoError(t, err)
	m.Put(answerQueue, body)
}

func recv(t *testing.T, e *session.Entry) wire.AnswerEvent {
	t.Helper()
	select {
	case ev, ok := <-e.Events():
		require.True(t, ok, "session channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for answer event")
		return wire.AnswerEvent{}
	}
}

func TestPublisher_PublishesDoubleEncodedEnvelope(t *testing.T) {
	m := broker.NewMemory()
	client := newClient(m)
	defer client.Close()

	p := NewPublisher(client, questionQueue)
	env := &wire.Envelope{
		SessionID:  "s1",
		UserID:     "u1",
		FunctionID: 8,
		Messages:   []wire.Message{{Role: "user", Content: wire.TextContent("hi")}},
	}
	require.NoError(t, p.Publish(t.Context(), env))

	body, ok := m.Take(questionQueue)
	require.True(t, ok)
	assert.Equal(t, byte('"'), body[0])

	got, err := wire.DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestPublisher_BrokerDown(t *testing.T) {
	m := broker.NewMemory()
	m.SetDown(true)
	client := newClient(m)

	p := NewPublisher(client, questionQueue)
	err := p.Publish(t.Context(), &wire.Envelope{SessionID: "s"})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestAnswerPublisher_Emit(t *testing.T) {
	m := broker.NewMemory()
	client := newClient(m)
	defer client.Close()

	p := NewAnswerPublisher(client, answerQueue)
	ev := wire.Route{SessionID: "s", UserID: "u", FunctionID: 8}.Text("hello")
	require.NoError(t, p.Emit(t.Context(), ev))

	body, ok := m.Take(answerQueue)
	require.True(t, ok)
	got, err := wire.DecodeAnswer(body)
	require.NoError(t, err)
	assert.Equal(t, ev, *got)
}

func TestConsumer_InterleavedSessionsStayIsolated(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry(64, nil)
	defer reg.Close()

	a, err := reg.Register("A", session.Meta{})
	require.NoError(t, err)
	b, err := reg.Register("B", session.Meta{})
	require.NoError(t, err)

	c := startConsumer(t, m, reg)

	ra := wire.Route{SessionID: "A"}
	rb := wire.Route{SessionID: "B"}
	putAnswer(t, m, ra.Text("a1"))
	putAnswer(t, m, rb.Text("b1"))
	putAnswer(t, m, ra.Text("a2"))
	putAnswer(t, m, rb.Stop())
	putAnswer(t, m, ra.Stop())

	assert.Equal(t, "a1", recv(t, a).Message)
	assert.Equal(t, "a2", recv(t, a).Message)
	assert.True(t, recv(t, a).IsStop())

	assert.Equal(t, "b1", recv(t, b).Message)
	assert.True(t, recv(t, b).IsStop())

	assert.Eventually(t, func() bool { return m.Unacked() == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 5, c.Stats().Delivered)
}

func TestConsumer_PreservesPerSessionOrder(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry(256, nil)
	defer reg.Close()

	entry, err := reg.Register("s", session.Meta{})
	require.NoError(t, err)
	startConsumer(t, m, reg)

	r := wire.Route{SessionID: "s"}
	for i := range 100 {
		putAnswer(t, m, r.Text(fmt.Sprint(i)))
	}
	for i := range 100 {
		assert.Equal(t, fmt.Sprint(i), recv(t, entry).Message)
	}
}

func TestConsumer_DiscardsEventsForDisconnectedSession(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry(8, nil)
	defer reg.Close()

	c := startConsumer(t, m, reg)

	putAnswer(t, m, wire.Route{SessionID: "gone"}.Text("late"))
	putAnswer(t, m, wire.Route{SessionID: "gone"}.Stop())

	require.Eventually(t, func() bool { return c.Stats().Unroutable == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return m.Unacked() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.DeadLetters(answerQueue), "unroutable events are acked, not rejected")
	assert.Equal(t, 0, reg.Len())
}

func TestConsumer_RejectsMalformedAndContinues(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry(8, nil)
	defer reg.Close()

	entry, err := reg.Register("s", session.Meta{})
	require.NoError(t, err)
	c := startConsumer(t, m, reg)

	m.Put(answerQueue, []byte("{not json"))
	putAnswer(t, m, wire.Route{SessionID: "s"}.Text("after poison"))

	assert.Equal(t, "after poison", recv(t, entry).Message)
	require.Eventually(t, func() bool { return c.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("{not json")}, m.DeadLetters(answerQueue))
}

func TestConsumer_SurvivesBrokerDrop(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry(8, nil)
	defer reg.Close()

	entry, err := reg.Register("s", session.Meta{})
	require.NoError(t, err)
	startConsumer(t, m, reg)

	r := wire.Route{SessionID: "s"}
	putAnswer(t, m, r.Text("before"))
	assert.Equal(t, "before", recv(t, entry).Message)
	require.Eventually(t, func() bool { return m.Unacked() == 0 }, time.Second, 5*time.Millisecond)

	m.Drop()

	putAnswer(t, m, r.Text("after"))
	putAnswer(t, m, r.Stop())
	assert.Equal(t, "after", recv(t, entry).Message)
	assert.True(t, recv(t, entry).IsStop())

	_, ok := reg.Lookup("s")
	assert.True(t, ok, "session must survive a broker reconnect")
}

func TestConsumer_AcceptsSingleEncodedAnswers(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry(8, nil)
	defer reg.Close()

	entry, err := reg.Register("s", session.Meta{})
	require.NoError(t, err)
	startConsumer(t, m, reg)

	m.Put(answerQueue, []byte(`{"sessionId":"s","userId":"u","functionId":8,"message":"legacy","reasoningMessage":"","type":4}`))
	assert.Equal(t, "legacy", recv(t, entry).Message)
}
