// Package events publishes ledger activity to observers. Events carry clear
// metadata (who, which asset, which day, how much stake) and, for points
// updates, the handle of the new encrypted total. Plaintext thresholds,
// directions, outcomes and point balances never appear in an event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
)

// Type names an event kind.
type Type string

const (
	PredictionPlaced   Type = "prediction_placed"
	PredictionResolved Type = "prediction_resolved"
	PointsUpdated      Type = "points_updated"
	PricesUpdated      Type = "prices_updated"
)

// Event is one ledger notification.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Day       uint64          `json:"day"`
	User      *common.Address `json:"user,omitempty"`
	Asset     *asset.Asset    `json:"asset,omitempty"`
	Stake     uint64          `json:"stake,omitempty"`
	EthPrice  uint64          `json:"eth_price,omitempty"`
	BtcPrice  uint64          `json:"btc_price,omitempty"`
	Points    *fhe.Handle     `json:"points,omitempty"` // encrypted total, points_updated only
	Timestamp time.Time       `json:"timestamp"`
}

// New creates an event with a fresh ID.
func New(t Type, day uint64) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Day:       day,
		Timestamp: time.Now().UTC(),
	}
}

// WithUser sets the participant and asset.
func (e Event) WithUser(user common.Address, a asset.Asset) Event {
	e.User = &user
	e.Asset = &a
	return e
}

// Sink receives events after the state change they describe has committed.
// Publish must not block the caller for long.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}

// Log writes events to slog.
type Log struct{}

func (Log) Publish(_ context.Context, e Event) {
	attrs := []any{"id", e.ID, "type", e.Type, "day", e.Day}
	if e.User != nil {
		attrs = append(attrs, "user", e.User.Hex(), "asset", e.Asset.String())
	}
	if e.Stake > 0 {
		attrs = append(attrs, "stake", e.Stake)
	}
	slog.Info("ledger event", attrs...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
