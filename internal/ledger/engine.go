// Package ledger implements the confidential daily prediction ledger: the
// price lock, sealed predictions, oblivious settlement and encrypted points.
//
// The engine never sees a participant's threshold or direction. Settlement
// evaluates the winning condition on ciphertexts and folds the result into
// the participant's points with an oblivious select, so no code path here
// depends on whether a prediction won.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/semaphore"

	"github.com/atmx/prophecy-engine/internal/acl"
	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/dayclock"
	"github.com/atmx/prophecy-engine/internal/events"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/metrics"
	"github.com/atmx/prophecy-engine/internal/model"
	"github.com/atmx/prophecy-engine/internal/store"
	"github.com/atmx/prophecy-engine/internal/vault"
)

// Config identifies the engine.
type Config struct {
	// Owner is the only account allowed to post prices.
	Owner common.Address
	// Self is the engine's own address: ciphertexts are bound to it and it
	// is granted every handle it stores.
	Self common.Address
	// ProtocolID is the coprocessor protocol the engine was built for.
	// Zero means fhe.ProtocolV1.
	ProtocolID uint64
}

// Engine is the prediction ledger. Mutating calls run one at a time.
type Engine struct {
	store store.Store
	cp    fhe.Coprocessor
	vault vault.Vault
	clock dayclock.Clock
	sink  events.Sink
	cfg   Config
	sem   *semaphore.Weighted

	// interacting is set while a settlement refund is in flight.
	interacting atomic.Bool
}

// NewEngine wires an engine. It fails with ErrProtocolUnsupported when the
// coprocessor speaks a different protocol than cfg expects.
func NewEngine(s store.Store, cp fhe.Coprocessor, v vault.Vault, clock dayclock.Clock, sink events.Sink, cfg Config) (*Engine, error) {
	if cfg.ProtocolID == 0 {
		cfg.ProtocolID = fhe.ProtocolV1
	}
	if got := cp.ProtocolID(); got != cfg.ProtocolID {
		return nil, fmt.Errorf("%w: coprocessor speaks %d, want %d", ErrProtocolUnsupported, got, cfg.ProtocolID)
	}
	if sink == nil {
		sink = events.Multi{}
	}
	return &Engine{
		store: s,
		cp:    cp,
		vault: v,
		clock: clock,
		sink:  sink,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(1),
	}, nil
}

// PlaceRequest is a sealed prediction as submitted by a participant.
type PlaceRequest struct {
	Asset        asset.Asset
	EncPrice     fhe.Handle // external handle, euint64
	EncDirection fhe.Handle // external handle, euint8
	Proof        []byte
	Stake        *uint256.Int // wei
}

// PlacePrediction records a sealed prediction for today and escrows the
// stake. It returns the day index the prediction was filed under.
func (e *Engine) PlacePrediction(ctx context.Context, caller common.Address, req PlaceRequest) (day uint64, err error) {
	defer func() { e.observe("place", err) }()

	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	if !req.Asset.Valid() {
		return 0, fmt.Errorf("%w: index %d", ErrInvalidAsset, uint8(req.Asset))
	}

	price, err := e.cp.VerifyInput(req.EncPrice, fhe.TypeUint64, req.Proof, caller, e.cfg.Self)
	if err != nil {
		return 0, fmt.Errorf("ledger: verify price input: %w", err)
	}
	dir, err := e.cp.VerifyInput(req.EncDirection, fhe.TypeUint8, req.Proof, caller, e.cfg.Self)
	if err != nil {
		return 0, fmt.Errorf("ledger: verify direction input: %w", err)
	}

	if req.Stake == nil || req.Stake.IsZero() {
		return 0, ErrStakeRequired
	}
	if !req.Stake.IsUint64() {
		return 0, fmt.Errorf("%w: %s wei", ErrStakeTooLarge, req.Stake.Dec())
	}
	stake := req.Stake.Uint64()

	day = e.CurrentDay()
	key := model.PredictionKey{User: caller, Asset: req.Asset, Day: day}

	err = e.store.Update(ctx, func(tx store.Tx) error {
		pp, err := tx.GetPricePoint(ctx, day)
		if err != nil {
			return err
		}
		if pp.Posted() {
			return &DayError{Err: ErrDayAlreadyLocked, Day: day}
		}

		existing, err := tx.GetPrediction(ctx, key)
		if err != nil {
			return err
		}
		if existing.Exists {
			return &PredictionError{Err: ErrPredictionExists, Day: day, User: caller, Asset: req.Asset}
		}

		p := model.Prediction{
			EncPrice:     fhe.Uint64{Handle: price},
			EncDirection: fhe.Uint8{Handle: dir},
			Stake:        stake,
			Day:          day,
		}
		grants := acl.Allow(caller, e.cfg.Self).On(price, dir)
		if err := tx.InsertPrediction(ctx, key, p, grants); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &PredictionError{Err: ErrPredictionExists, Day: day, User: caller, Asset: req.Asset}
			}
			return err
		}
		return e.vault.Escrow(ctx, caller, stake)
	})
	if err != nil {
		return 0, err
	}

	metrics.PredictionsPlaced.WithLabelValues(req.Asset.String()).Inc()
	slog.Info("prediction placed", "day", day, "user", caller.Hex(), "asset", req.Asset.String(), "stake", stake)

	ev := events.New(events.PredictionPlaced, day).WithUser(caller, req.Asset)
	ev.Stake = stake
	e.sink.Publish(ctx, ev)
	return day, nil
}

// ConfirmPrediction settles the caller's prediction for a past day: it
// computes the encrypted outcome against the posted price, adds the stake
// to the caller's points if and only if the outcome is true, marks the
// prediction resolved and refunds the stake.
func (e *Engine) ConfirmPrediction(ctx context.Context, caller common.Address, day uint64, a asset.Asset) (err error) {
	start := time.Now()
	defer func() {
		e.observe("confirm", err)
		if err == nil {
			metrics.SettlementLatency.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if !a.Valid() {
		return fmt.Errorf("%w: index %d", ErrInvalidAsset, uint8(a))
	}
	if day >= e.CurrentDay() {
		return &DayError{Err: ErrCannotResolveYet, Day: day}
	}

	key := model.PredictionKey{User: caller, Asset: a, Day: day}
	var stake uint64
	var total fhe.Uint64
	refunded := false

	err = e.store.Update(ctx, func(tx store.Tx) error {
		p, err := tx.GetPrediction(ctx, key)
		if err != nil {
			return err
		}
		if !p.Exists {
			return &PredictionError{Err: ErrPredictionMissing, Day: day, User: caller, Asset: a}
		}
		if p.Resolved {
			return &PredictionError{Err: ErrPredictionAlreadyResolved, Day: day, User: caller, Asset: a}
		}
		pp, err := tx.GetPricePoint(ctx, day)
		if err != nil {
			return err
		}
		if !pp.Posted() {
			return &DayError{Err: ErrPriceNotRecorded, Day: day}
		}

		prev, err := tx.GetPoints(ctx, caller)
		if err != nil {
			return err
		}
		outcome, sum, err := e.settle(p, pp.PriceOf(a), prev)
		if err != nil {
			return err
		}
		total = sum

		grants := acl.Allow(caller, e.cfg.Self)
		if err := tx.ResolvePrediction(ctx, key, outcome, grants.On(outcome.Handle)); err != nil {
			return err
		}
		if err := tx.SetPoints(ctx, caller, total, grants.On(total.Handle)); err != nil {
			return err
		}

		// Interaction last. Any mutating call into the engine made from
		// here is rejected by the guard, whatever context it carries.
		stake = p.Stake
		if err := e.interact(func() error { return e.vault.Release(ctx, caller, p.Stake) }); err != nil {
			return fmt.Errorf("ledger: refund stake: %w", err)
		}
		refunded = true
		return nil
	})
	if err != nil {
		if refunded {
			// The stake left escrow but the settlement did not commit.
			slog.Error("settlement commit failed after refund, needs reconciliation",
				"day", day, "user", caller.Hex(), "asset", a.String(), "stake", stake, "err", err)
		}
		return err
	}

	metrics.PredictionsResolved.WithLabelValues(a.String()).Inc()
	slog.Info("prediction resolved", "day", day, "user", caller.Hex(), "asset", a.String(), "stake", stake)

	resolved := events.New(events.PredictionResolved, day).WithUser(caller, a)
	resolved.Stake = stake
	e.sink.Publish(ctx, resolved)

	updated := events.New(events.PointsUpdated, day).WithUser(caller, a)
	updated.Points = &total.Handle
	e.sink.Publish(ctx, updated)
	return nil
}

// settle evaluates the outcome and new points total without branching on
// any encrypted value:
//
//	above  = dir == 1 AND threshold < price
//	below  = dir == 2 AND threshold > price
//	won    = above OR below
//	total  = prev + select(won, stake, 0)
//
// A threshold equal to the posted price wins neither way.
func (e *Engine) settle(p model.Prediction, price uint64, prev fhe.Uint64) (fhe.Bool, fhe.Uint64, error) {
	ev := fhe.NewEvaluator(e.cp)

	above := ev.And(ev.EqScalar8(p.EncDirection, model.DirectionAbove), ev.LtScalar64(p.EncPrice, price))
	below := ev.And(ev.EqScalar8(p.EncDirection, model.DirectionBelow), ev.GtScalar64(p.EncPrice, price))
	won := ev.Or(above, below)

	award := ev.Select64(won, ev.Uint64(p.Stake), ev.Uint64(0))
	if prev.IsZero() {
		prev = ev.Uint64(0)
	}
	total := ev.Add64(prev, award)

	if err := ev.Err(); err != nil {
		return fhe.Bool{}, fhe.Uint64{}, fmt.Errorf("ledger: evaluate settlement: %w", err)
	}
	return won, total, nil
}

// UpdatePrices posts today's closing prices and locks the day. Owner only.
// It returns the day index that was locked.
func (e *Engine) UpdatePrices(ctx context.Context, caller common.Address, eth, btc *uint256.Int) (day uint64, err error) {
	defer func() { e.observe("update_prices", err) }()

	ctx, leave, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	if caller != e.cfg.Owner {
		return 0, ErrNotAuthorized
	}
	ethPrice, err := priceWord(eth)
	if err != nil {
		return 0, err
	}
	btcPrice, err := priceWord(btc)
	if err != nil {
		return 0, err
	}

	now := e.clock.Now()
	day = dayclock.CurrentDay(now)
	// UpdatedAt == 0 means pending, so a post at the epoch is stamped 1.
	updatedAt := uint64(max(now.Unix(), 1))

	err = e.store.Update(ctx, func(tx store.Tx) error {
		pp, err := tx.GetPricePoint(ctx, day)
		if err != nil {
			return err
		}
		if pp.Posted() {
			return &DayError{Err: ErrDayAlreadyLocked, Day: day}
		}
		err = tx.InsertPricePoint(ctx, day, model.PricePoint{EthPrice: ethPrice, BtcPrice: btcPrice, UpdatedAt: updatedAt})
		if errors.Is(err, store.ErrConflict) {
			return &DayError{Err: ErrDayAlreadyLocked, Day: day}
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	metrics.PricePosts.Inc()
	slog.Info("prices posted", "day", day, "eth_price", ethPrice, "btc_price", btcPrice)

	ev := events.New(events.PricesUpdated, day)
	ev.EthPrice, ev.BtcPrice = ethPrice, btcPrice
	e.sink.Publish(ctx, ev)
	return day, nil
}

func priceWord(v *uint256.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrPriceTooLarge, v.Dec())
	}
	return v.Uint64(), nil
}

// --- Views ---

// CurrentDay returns today's day index.
func (e *Engine) CurrentDay() uint64 {
	return dayclock.CurrentDay(e.clock.Now())
}

// PricesForDay returns the posted prices for day; UpdatedAt == 0 means
// the day is still pending.
func (e *Engine) PricesForDay(ctx context.Context, day uint64) (model.PricePoint, error) {
	return e.store.GetPricePoint(ctx, day)
}

// LastRecordedDay returns the most recent day with posted prices.
func (e *Engine) LastRecordedDay(ctx context.Context) (uint64, error) {
	return e.store.LastRecordedDay(ctx)
}

// Prediction returns the stored prediction, or a zero record with
// Exists == false.
func (e *Engine) Prediction(ctx context.Context, user common.Address, day uint64, a asset.Asset) (model.Prediction, error) {
	if !a.Valid() {
		return model.Prediction{}, fmt.Errorf("%w: index %d", ErrInvalidAsset, uint8(a))
	}
	return e.store.GetPrediction(ctx, model.PredictionKey{User: user, Asset: a, Day: day})
}

// UserPoints returns the user's encrypted points handle. A zero handle
// means the user has never settled a prediction.
func (e *Engine) UserPoints(ctx context.Context, user common.Address) (fhe.Uint64, error) {
	return e.store.GetPoints(ctx, user)
}

// UserPredictionDays returns the days user predicted on for a, in the
// order they were placed.
func (e *Engine) UserPredictionDays(ctx context.Context, user common.Address, a asset.Asset) ([]uint64, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: index %d", ErrInvalidAsset, uint8(a))
	}
	return e.store.GetPredictionDays(ctx, user, a)
}

// PriceDecimals is the fixed-point scale of prices and thresholds.
func (e *Engine) PriceDecimals() int32 { return asset.PriceDecimals }

func (e *Engine) Owner() common.Address { return e.cfg.Owner }

// Address is the account ciphertexts are bound to and granted to.
func (e *Engine) Address() common.Address { return e.cfg.Self }

// ProtocolID is the coprocessor protocol version the engine speaks.
func (e *Engine) ProtocolID() uint64 { return e.cfg.ProtocolID }

func (e *Engine) observe(op string, err error) {
	if err != nil {
		metrics.OperationErrors.WithLabelValues(op, Kind(err)).Inc()
	}
}
