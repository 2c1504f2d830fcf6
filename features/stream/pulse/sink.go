// Package pulse exposes a stream.Sink implementation that publishes fabric
// events to goa.design/pulse streams. Services build a Redis client, pass
// it to the Pulse client, and hand the resulting sink to the event router.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruche-ai/fabric/features/stream/pulse/clients/pulse"
	"github.com/ruche-ai/fabric/runtime/acf/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an envelope.
		// Defaults to "session/<SessionKey>".
		StreamID func(stream.Envelope) (string, error)
	}

	// Sink publishes fabric events into per-session Pulse streams.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client   pulse.Client
		streamID func(stream.Envelope) (string, error)
	}
)

// NewSink constructs a Pulse-backed live-stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, env stream.Envelope) error {
	streamID, err := s.streamID(env)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, env.Type, payload)
	return err
}

// Close implements stream.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(env stream.Envelope) (string, error) {
	if env.SessionKey == "" {
		return "", errors.New("stream envelope missing session key")
	}
	return fmt.Sprintf("session/%s", env.SessionKey), nil
}
