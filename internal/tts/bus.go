package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lessons/internal/bus"
	"github.com/loqalabs/loqa-lessons/internal/protocol"
	"github.com/nats-io/nats.go"
)

// busSynth forwards requests to a tts-worker over NATS and reassembles the
// streamed reply.
type busSynth struct {
	client *bus.Client
	target string
}

func NewBusSynth(client *bus.Client, target string) Synthesizer {
	return &busSynth{client: client, target: target}
}

func (b *busSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		fail := func(err error, retryable bool) {
			errs <- &SynthesisError{Backend: ModeBus, Text: req.Text, Voice: req.Voice, Err: err, Retryable: retryable}
		}

		session := req.SessionID
		if session == "" {
			session = uuid.NewString()
		}

		conn := b.client.Conn()
		sub, err := conn.SubscribeSync(protocol.SubjectTTSReplies)
		if err != nil {
			fail(fmt.Errorf("subscribe tts replies: %w", err), true)
			return
		}
		defer func() { _ = sub.Unsubscribe() }()

		err = b.client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{
			SessionID:    session,
			Target:       b.target,
			Text:         req.Text,
			Voice:        req.Voice,
			Model:        req.Model,
			Instructions: req.Instructions,
		})
		if err != nil {
			fail(err, true)
			return
		}

		for {
			msg, err := sub.NextMsgWithContext(ctx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					fail(err, errors.Is(err, context.DeadlineExceeded))
					return
				}
				fail(fmt.Errorf("await tts reply: %w", err), errors.Is(err, nats.ErrTimeout))
				return
			}

			switch msg.Subject {
			case protocol.SubjectTTSAudio:
				var packet protocol.AudioChunk
				if err := json.Unmarshal(msg.Data, &packet); err != nil || packet.SessionID != session {
					continue
				}
				select {
				case chunks <- SynthChunk{
					SessionID:  session,
					Sequence:   packet.Sequence,
					SampleRate: packet.SampleRate,
					Channels:   packet.Channels,
					PCM:        packet.PCM,
					Final:      packet.Final,
				}:
				case <-ctx.Done():
					fail(ctx.Err(), false)
					return
				}
				if packet.Final {
					return
				}
			case protocol.SubjectTTSDone:
				var status protocol.TTSStatus
				if err := json.Unmarshal(msg.Data, &status); err != nil || status.SessionID != session {
					continue
				}
				if status.Error != "" {
					fail(errors.New(status.Error), status.Retryable)
				}
				return
			}
		}
	}()
	return chunks, errs
}
