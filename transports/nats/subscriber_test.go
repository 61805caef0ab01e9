package nats

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger/election-night-sim/internal/observability/telemetry"
	"github.com/tiger/election-night-sim/internal/reconciler"
)

type fakeConn struct {
	subject string
	handler nats.MsgHandler
	err     error
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.subject = subject
	c.handler = cb
	return nil, nil
}

func (c *fakeConn) publish(data string) {
	c.handler(&nats.Msg{Subject: c.subject, Data: []byte(data)})
}

func TestFeedAppliesMessagesUnderCapturedSession(t *testing.T) {
	t.Parallel()

	sink := telemetry.NewMemorySink()
	pipeline := telemetry.NewPipeline(sink, telemetry.Config{Synchronous: true})
	defer pipeline.Close()
	r := reconciler.New(reconciler.Config{SessionID: "nats-1", Emitter: pipeline})
	conn := &fakeConn{}
	feed := NewFeed(" results.live ", r, pipeline)

	require.NoError(t, feed.Start(conn))
	assert.Equal(t, "results.live", conn.subject)
	require.Error(t, feed.Start(conn), "second start must be rejected")

	conn.publish(`{"type":"frame","payload":{"results":{"1001":{"votes":{"dem":3,"gop":4,"total":8},"percentReporting":12}}}}`)
	conn.publish(`{"type":"poll_closing"}`)

	state, ok := r.County("01001")
	require.True(t, ok)
	assert.Equal(t, int64(1), state.OtherVotes)
	assert.Equal(t, 12.0, state.ReportingPercent)

	r.Reset("nats-2")
	conn.publish(`{"type":"frame","payload":{"counties":[{"fips":"01001","demVotes":9,"gopVotes":9,"totalVotes":18}]}}`)
	assert.Zero(t, r.Status().Counties, "messages for the previous session must be fenced")

	received, applied := feed.Counts()
	assert.Equal(t, int64(3), received)
	assert.Equal(t, int64(1), applied)
	assert.Equal(t, 1.0, sink.MetricTotal(telemetry.MetricTransportMessages, map[string]string{"transport": TransportName, "result": reconciler.ReasonStaleSession}))
	assert.Equal(t, 1.0, sink.MetricTotal(telemetry.MetricTransportMessages, map[string]string{"result": reconciler.ReasonUnknownType}))

	require.NoError(t, feed.Stop())
	require.NoError(t, feed.Stop())
	require.NoError(t, feed.Start(conn))
	conn.publish(`{"type":"frame","payload":{"counties":[{"fips":"01001","demVotes":9,"gopVotes":9,"totalVotes":18}]}}`)
	assert.Equal(t, 1, r.Status().Counties, "restart recaptures the current session")
}

func TestFeedStartValidation(t *testing.T) {
	t.Parallel()

	r := reconciler.New(reconciler.Config{})
	assert.Error(t, NewFeed("subj", r, nil).Start(nil))
	assert.Error(t, NewFeed("", r, nil).Start(&fakeConn{}))
	assert.Error(t, NewFeed("subj", nil, nil).Start(&fakeConn{}))

	boom := errors.New("permissions violation")
	err := NewFeed("subj", r, nil).Start(&fakeConn{err: boom})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestFeedHandleIgnoresNilMessage(t *testing.T) {
	t.Parallel()

	r := reconciler.New(reconciler.Config{SessionID: "s"})
	feed := NewFeed("subj", r, nil)
	feed.Bind("s")
	feed.Handle(nil)
	feed.Handle(&nats.Msg{Data: []byte(`{"type":"completed"}`)})
	received, applied := feed.Counts()
	assert.Equal(t, int64(1), received)
	assert.Equal(t, int64(1), applied)
	assert.Equal(t, reconciler.PhaseCompleted, r.Status().Phase)
}
