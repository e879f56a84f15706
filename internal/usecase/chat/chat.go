package chat

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"llm-relay/internal/domain"
	"llm-relay/internal/infra/tracer"
)

// recordTimeout bounds the usage write after a stream ends, detached from
// the (possibly already cancelled) request context.
const recordTimeout = 5 * time.Second

// Dispatcher routes chat requests to the provider serving the requested
// model and hands back the live stream.
type Dispatcher struct {
	resolver domain.ModelResolver
	recorder domain.UsageRecorder // nil disables usage accounting
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(resolver domain.ModelResolver, recorder domain.UsageRecorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		recorder: recorder,
		logger:   logger,
	}
}

// Send resolves the model (or the default when modelID is empty), converts
// the conversation to the vendor's wire shape and opens the stream. The
// handle is returned as soon as the vendor answers; deltas arrive on it as
// they are produced.
func (d *Dispatcher) Send(ctx context.Context, modelID string, messages []domain.Message, opts domain.SendOptions) (domain.Stream, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.send",
		trace.WithAttributes(tracer.StringAttr("chat.model", modelID)),
	)
	defer span.End()

	if len(messages) == 0 {
		err := domain.NewDomainError("Dispatcher.Send", domain.ErrInvalidInput, "no messages")
		tracer.RecordError(span, err)
		return nil, err
	}

	if modelID == "" {
		desc, err := d.resolver.SelectDefault()
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		modelID = desc.ID
		d.logger.Debug("selected default model", "model", modelID)
	}

	provider, desc, err := d.resolver.Resolve(modelID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	req := domain.ChatRequest{
		Model:       desc.ID,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	stream, err := provider.ChatStream(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	d.logger.Info("stream opened", "model", desc.ID, "vendor", desc.Vendor)

	if d.recorder == nil {
		return stream, nil
	}
	return newRecordedStream(stream, d.recorder, domain.UsageRecord{
		ID:        newUsageID(),
		Model:     desc.ID,
		Vendor:    desc.Vendor,
		StartedAt: time.Now(),
	}, d.logger), nil
}

// recordedStream forwards deltas from the provider stream while counting
// them, then writes one usage record when the stream ends.
type recordedStream struct {
	inner    domain.Stream
	recorder domain.UsageRecorder
	logger   *slog.Logger

	ch   chan domain.StreamDelta
	done chan struct{}
	once sync.Once

	rec domain.UsageRecord
}

var _ domain.Stream = (*recordedStream)(nil)

func newRecordedStream(inner domain.Stream, recorder domain.UsageRecorder, rec domain.UsageRecord, logger *slog.Logger) *recordedStream {
	rs := &recordedStream{
		inner:    inner,
		recorder: recorder,
		logger:   logger,
		ch:       make(chan domain.StreamDelta, 16),
		done:     make(chan struct{}),
		rec:      rec,
	}
	go rs.run()
	return rs
}

// Deltas implements domain.Stream.
func (rs *recordedStream) Deltas() <-chan domain.StreamDelta { return rs.ch }

// Close implements domain.Stream.
func (rs *recordedStream) Close() error {
	rs.once.Do(func() { close(rs.done) })
	return rs.inner.Close()
}

// Err implements domain.Stream.
func (rs *recordedStream) Err() error { return rs.inner.Err() }

func (rs *recordedStream) run() {
	defer close(rs.ch)

forward:
	for delta := range rs.inner.Deltas() {
		select {
		case rs.ch <- delta:
			rs.rec.Deltas++
			rs.rec.Chars += len(delta.Text)
		case <-rs.done:
			break forward
		}
	}
	// Drain so the inner goroutine can finish if we broke out early.
	for range rs.inner.Deltas() {
	}

	rs.rec.Status = domain.UsageStatusOK
	select {
	case <-rs.done:
		rs.rec.Status = domain.UsageStatusCanceled
	default:
	}
	if rs.inner.Err() != nil {
		rs.rec.Status = domain.UsageStatusError
	}
	rs.rec.Duration = time.Since(rs.rec.StartedAt)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := rs.recorder.Record(ctx, rs.rec); err != nil {
		rs.logger.Warn("usage record failed", "stream", rs.rec.ID, "error", err)
	}
}

func newUsageID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
