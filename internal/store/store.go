// Package store defines the persistence interface for the prophecy engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/prophecy-engine/internal/acl"
	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/model"
)

var (
	// ErrConflict is returned when a write would overwrite a record that is
	// immutable (a posted price, an existing prediction, a resolved outcome).
	ErrConflict = errors.New("store: conflicting write")
	// ErrNotFound is returned when a mutation targets a missing record.
	ErrNotFound = errors.New("store: record not found")
)

// Reader is the read side of the store. Missing records are returned as
// zero values, never as errors.
type Reader interface {
	// GetPricePoint returns the price point for day (zero if not posted).
	GetPricePoint(ctx context.Context, day uint64) (model.PricePoint, error)

	// LastRecordedDay returns the most recent day with a posted price.
	LastRecordedDay(ctx context.Context) (uint64, error)

	// GetPrediction returns the prediction for key (Exists=false if absent).
	GetPrediction(ctx context.Context, key model.PredictionKey) (model.Prediction, error)

	// GetPoints returns the user's encrypted points total (zero handle if
	// the user has never settled).
	GetPoints(ctx context.Context, user common.Address) (fhe.Uint64, error)

	// GetPredictionDays returns the days the user predicted on for a, in
	// insertion order.
	GetPredictionDays(ctx context.Context, user common.Address, a asset.Asset) ([]uint64, error)

	// IsAllowed reports whether account holds a grant on h.
	IsAllowed(ctx context.Context, h fhe.Handle, account common.Address) (bool, error)
}

// Tx is a unit of work. Reads through a Tx observe its own staged writes.
// Every ciphertext a write stores must be covered by the grants passed with
// it, otherwise the write fails with acl.ErrMissingGrant.
type Tx interface {
	Reader

	// InsertPricePoint stores the price point for day. Fails with
	// ErrConflict if the day is already posted.
	InsertPricePoint(ctx context.Context, day uint64, p model.PricePoint) error

	// InsertPrediction stores a new prediction and appends its day to the
	// user's day index. Fails with ErrConflict if one exists for key.
	InsertPrediction(ctx context.Context, key model.PredictionKey, p model.Prediction, grants acl.List) error

	// ResolvePrediction marks the prediction resolved and records its
	// encrypted outcome. Fails with ErrNotFound or ErrConflict.
	ResolvePrediction(ctx context.Context, key model.PredictionKey, outcome fhe.Bool, grants acl.List) error

	// SetPoints replaces the user's points handle.
	SetPoints(ctx context.Context, user common.Address, total fhe.Uint64, grants acl.List) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// Update runs fn in a transaction. Writes become visible only if fn
	// returns nil; any error discards all of them.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// OutstandingStakes sums the stake of every unresolved prediction per
	// user: the amount the escrow must hold.
	OutstandingStakes(ctx context.Context) (map[common.Address]uint64, error)
}

// checkGrants verifies that every non-zero handle is granted to owner, the
// account the record belongs to.
func checkGrants(grants acl.List, owner common.Address, handles ...fhe.Handle) error {
	if err := grants.Require([]common.Address{owner}, handles...); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
