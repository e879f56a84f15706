package domain

import (
	"context"
	"time"
)

// Usage record statuses.
const (
	UsageStatusOK       = "ok"
	UsageStatusCanceled = "canceled"
	UsageStatusError    = "error"
)

// UsageRecord summarizes one completed stream for accounting.
type UsageRecord struct {
	ID        string
	Model     string
	Vendor    string
	Deltas    int
	Chars     int
	Status    string
	StartedAt time.Time
	Duration  time.Duration
}

// UsageRecorder persists stream usage records.
type UsageRecorder interface {
	Record(ctx context.Context, rec UsageRecord) error
	Close() error
}
