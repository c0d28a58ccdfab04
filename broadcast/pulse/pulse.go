// Package pulse provides an optional distributed broadcaster: it republishes
// every appended event batch onto a goa.design/pulse Redis stream so that
// multiple streamserver processes, each with their own set of websocket
// connections, can share one logical fan-out. Grounded on
// features/stream/pulse/{sink,subscriber}.go's layering — a Sink that
// publishes an envelope per event, and a Subscriber that opens a consumer
// group and decodes envelopes back into typed events — retargeted from
// runtime hook events to ledgermodel.StoredEvent batches.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runledger/runledger/broadcast/pulse/clients/pulse"
	"github.com/runledger/runledger/ledgermodel"
	"github.com/runledger/runledger/streamserver"
)

// DefaultSinkName is the Pulse consumer group every relay joins unless
// overridden. Every streamserver process should use the same sink name only
// if they are meant to load-balance a single logical subscriber; since each
// process needs its own copy of every event (to fan out to its own
// websocket clients), deployments should give each process instance a
// distinct SinkName — see NewRelay's doc comment.
const DefaultSinkName = "runledger-streamserver"

// envelope is the wire shape published to the Redis stream.
type envelope struct {
	StreamID string                  `json:"streamId"`
	Event    ledgermodel.StoredEvent `json:"event"`
}

// Publisher republishes Broadcast calls onto a Pulse stream instead of
// (or in addition to) delivering them to local subscribers directly.
type Publisher struct {
	client pulse.Client
}

var _ streamserver.Broadcaster = (*Publisher)(nil)

// Broadcast implements streamserver.Broadcaster by calling Publish with a
// background context. Broadcaster has no error return, so a Publish error
// is dropped.
func (p *Publisher) Broadcast(streamID string, events []ledgermodel.StoredEvent) {
	_ = p.Publish(context.Background(), streamID, events)
}

// NewPublisher constructs a Publisher backed by client.
func NewPublisher(client pulse.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish writes events to the Pulse stream named streamID, one entry per
// event, preserving order.
func (p *Publisher) Publish(ctx context.Context, streamID string, events []ledgermodel.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}
	str, err := p.client.Stream(streamID)
	if err != nil {
		return fmt.Errorf("pulse publisher: %w", err)
	}
	for _, ev := range events {
		payload, err := json.Marshal(envelope{StreamID: streamID, Event: ev})
		if err != nil {
			return fmt.Errorf("pulse publisher: marshal event seq %d: %w", ev.Seq, err)
		}
		if _, err := str.Add(ctx, "event", payload); err != nil {
			return fmt.Errorf("pulse publisher: add event seq %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// Relay reads published batches back off a Pulse stream and hands them to a
// local streamserver.Broadcaster, so that process can deliver them to its
// own websocket subscribers. Each process in a multi-process deployment
// must run its own Relay with a distinct SinkName (a Pulse consumer group
// name): Pulse consumer groups load-balance entries across members, but
// every process needs every event, not a share of them.
type Relay struct {
	client   pulse.Client
	sinkName string
}

// NewRelay constructs a Relay. sinkName should be unique per process
// (e.g. derived from a hostname or instance ID); DefaultSinkName is a
// single-process fallback.
func NewRelay(client pulse.Client, sinkName string) *Relay {
	if sinkName == "" {
		sinkName = DefaultSinkName
	}
	return &Relay{client: client, sinkName: sinkName}
}

// Start opens a consumer group on streamID and delivers decoded batches to
// broadcaster until ctx is cancelled. Each Pulse entry is delivered as a
// single-event batch and acknowledged only after Broadcast returns, so a
// process crash mid-delivery leaves the entry pending for redelivery.
func (r *Relay) Start(ctx context.Context, streamID string, broadcaster streamserver.Broadcaster) error {
	str, err := r.client.Stream(streamID)
	if err != nil {
		return fmt.Errorf("pulse relay: %w", err)
	}
	sink, err := str.NewSink(ctx, r.sinkName)
	if err != nil {
		return fmt.Errorf("pulse relay: new sink: %w", err)
	}

	go func() {
		defer sink.Close(context.Background())
		ch := sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal(entry.Payload, &env); err != nil {
					continue // malformed entry; skip rather than wedge the consumer group
				}
				broadcaster.Broadcast(env.StreamID, []ledgermodel.StoredEvent{env.Event})
				_ = sink.Ack(ctx, entry)
			}
		}
	}()
	return nil
}
