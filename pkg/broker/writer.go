package broker

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// WriterPublisher writes one JSON line per payload to an io.Writer.
// It stands in for a real broker during development.
type WriterPublisher struct {
	mu     sync.Mutex
	log    zerolog.Logger
	closed atomic.Bool
}

// NewWriterPublisher creates a publisher writing to w.
func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{
		log: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Publish writes payload as a log line. Payloads that are not valid UTF-8
// (msgpack, zstd) are base64 encoded.
func (p *WriterPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev := p.log.Log().Str("topic", topic).Int("bytes", len(payload))
	if utf8.Valid(payload) {
		ev = ev.Str("payload", string(payload))
	} else {
		ev = ev.Str("payload_b64", base64.StdEncoding.EncodeToString(payload))
	}
	ev.Send()
	return nil
}

// Close marks the publisher closed.
func (p *WriterPublisher) Close() error {
	p.closed.Store(true)
	return nil
}
