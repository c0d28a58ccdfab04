package pulse_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streaming "goa.design/pulse/streaming"

	"github.com/runledger/runledger/broadcast/pulse"
	pulseclient "github.com/runledger/runledger/broadcast/pulse/clients/pulse"
	"github.com/runledger/runledger/ledgermodel"
)

// fakeClient/fakeStream/fakeSink give Publisher/Relay an in-process Pulse
// double, so their wiring can be exercised without a Redis connection.
type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient { return &fakeClient{streams: map[string]*fakeStream{}} }

func (c *fakeClient) Stream(name string) (pulseclient.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name, ch: make(chan *streaming.Event, 64)}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(ctx context.Context) error { return nil }

type fakeStream struct {
	name string
	ch   chan *streaming.Event
	next int
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	s.next++
	s.ch <- &streaming.Event{EventName: event, Payload: payload}
	return "id", nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string) (pulseclient.Sink, error) {
	return &fakeSink{ch: s.ch}, nil
}

type fakeSink struct {
	ch chan *streaming.Event
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }
func (s *fakeSink) Ack(ctx context.Context, e *streaming.Event) error { return nil }
func (s *fakeSink) Close(ctx context.Context)                        {}

type fakeBroadcaster struct {
	got chan struct {
		streamID string
		events   []ledgermodel.StoredEvent
	}
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{got: make(chan struct {
		streamID string
		events   []ledgermodel.StoredEvent
	}, 16)}
}

func (b *fakeBroadcaster) Broadcast(streamID string, events []ledgermodel.StoredEvent) {
	b.got <- struct {
		streamID string
		events   []ledgermodel.StoredEvent
	}{streamID, events}
}

func TestPublishThenRelayDeliversToBroadcaster(t *testing.T) {
	client := newFakeClient()
	pub := pulse.NewPublisher(client)
	relay := pulse.NewRelay(client, "test-sink")
	bc := newFakeBroadcaster()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, relay.Start(ctx, "s1", bc))
	require.NoError(t, pub.Publish(ctx, "s1", []ledgermodel.StoredEvent{
		{Seq: 1, StreamID: "s1", Event: json.RawMessage(`{"kind":"a"}`)},
	}))

	select {
	case got := <-bc.got:
		require.Equal(t, "s1", got.streamID)
		require.Len(t, got.events, 1)
		require.Equal(t, uint64(1), got.events[0].Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed broadcast")
	}
}

func TestPublishEmptyIsNoop(t *testing.T) {
	client := newFakeClient()
	pub := pulse.NewPublisher(client)
	require.NoError(t, pub.Publish(context.Background(), "s1", nil))
}
