package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"llm-relay/internal/domain"
)

// streamReadBuffer is the transport read chunk size. Frames regularly span
// chunk boundaries; the decoder reassembles them.
const streamReadBuffer = 4096

// extractFunc parses one frame body into at most one delta. done reports
// the vendor's terminal marker. A non-nil error marks a malformed frame,
// which is skipped without ending the stream.
type extractFunc func(frame []byte) (*domain.StreamDelta, bool, error)

// Compile-time interface assertion.
var _ domain.Stream = (*streamHandle)(nil)

// streamHandle is the live representation of one in-flight request. It owns
// the response body and the cancellation binding and tears both down exactly
// once: on sequence exhaustion, transport close, or cancellation, whichever
// fires first.
type streamHandle struct {
	id     string
	ch     chan domain.StreamDelta
	cancel context.CancelFunc
	body   io.ReadCloser

	teardown sync.Once

	mu  sync.Mutex
	err error
}

// newStreamHandle starts the decode pipeline over body. cancel must abort
// the transport request; it is released by the handle's single teardown.
func newStreamHandle(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, d dialect, extract extractFunc, logger *slog.Logger) *streamHandle {
	h := &streamHandle{
		id:     newStreamID(),
		ch:     make(chan domain.StreamDelta, 16),
		cancel: cancel,
		body:   body,
	}
	go h.run(ctx, d, extract, logger)
	return h
}

func (h *streamHandle) run(ctx context.Context, d dialect, extract extractFunc, logger *slog.Logger) {
	defer close(h.ch)
	defer h.release()

	dec := newFrameDecoder(d)
	buf := make([]byte, streamReadBuffer)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, readErr := h.body.Read(buf)
		if n > 0 {
			frames, err := dec.Feed(buf[:n])
			if err != nil {
				h.setErr(err)
				return
			}
			for _, frame := range frames {
				delta, done, err := extract(frame)
				if err != nil {
					// Skip unparseable frames.
					logger.Debug("skipping malformed frame", "stream", h.id, "error", err)
					continue
				}
				if delta != nil {
					select {
					case h.ch <- *delta:
					case <-ctx.Done():
						return
					}
				}
				if done {
					return
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				dec.Finish()
				return
			}
			// A cancellation-induced abort ends the stream silently.
			if ctx.Err() != nil {
				return
			}
			h.setErr(readErr)
			return
		}
	}
}

// release runs the handle's teardown exactly once: abort/unbind the
// transport request and close the response body.
func (h *streamHandle) release() {
	h.teardown.Do(func() {
		h.cancel()
		h.body.Close()
	})
}

// Deltas implements domain.Stream.
func (h *streamHandle) Deltas() <-chan domain.StreamDelta {
	return h.ch
}

// Close implements domain.Stream. It cancels the in-flight request; the
// decode loop observes the abort and finishes the teardown. Calling Close
// on a finished stream is a no-op.
func (h *streamHandle) Close() error {
	h.cancel()
	return nil
}

// Err implements domain.Stream. It is meaningful once Deltas is closed:
// nil after a normal end or cancellation, otherwise the transport error.
func (h *streamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *streamHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// newStreamID returns a ULID for correlating one stream across logs and
// usage records.
func newStreamID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
