// Package audit defines the persistence abstraction for the gateway's
// optional history log and admin-tunable configuration row. It is never
// consulted for live routing decisions — pairs and jobs live only in
// memory — so a gateway with no audit store configured degrades to a
// no-op implementation with full routing functionality intact.
package audit

import (
	"context"
	"time"
)

// Outcome is a terminal job record.
type Outcome struct {
	ID         int64
	RequestID  string
	PromptID   string
	WorkflowID string
	State      string
	Error      string
	SubmittedAt time.Time
	FinishedAt time.Time
}

// Store is the persistence abstraction for audit history and admin config.
type Store interface {
	RecordOutcome(ctx context.Context, o Outcome) error
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)

	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error

	Close() error
}

// NoopStore is used when AUDIT_DB_DSN is unset. Every write is a no-op and
// every read returns an empty result, mirroring the graceful degradation
// the converter/thumbnailer clients show when their target URL is unset.
type NoopStore struct{}

func (NoopStore) RecordOutcome(ctx context.Context, o Outcome) error { return nil }
func (NoopStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	return nil, nil
}
func (NoopStore) GetConfig(ctx context.Context) (map[string]any, error) { return nil, nil }
func (NoopStore) SetConfig(ctx context.Context, data map[string]any) error { return nil }
func (NoopStore) Close() error                                            { return nil }
