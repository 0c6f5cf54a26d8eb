package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
)

var (
	ErrNotAuthorized       = errors.New("ledger: caller is not the owner")
	ErrInvalidAsset        = asset.ErrInvalidAsset
	ErrPriceTooLarge       = errors.New("ledger: price exceeds 64 bits")
	ErrStakeRequired       = errors.New("ledger: stake required")
	ErrStakeTooLarge       = errors.New("ledger: stake exceeds 64 bits")
	ErrReentrancy          = errors.New("ledger: reentrant call")
	ErrProtocolUnsupported = errors.New("ledger: coprocessor protocol unsupported")

	// Day-scoped conditions, returned wrapped in *DayError.
	ErrCannotResolveYet = errors.New("ledger: day has not elapsed")
	ErrDayAlreadyLocked = errors.New("ledger: day already locked")
	ErrPriceNotRecorded = errors.New("ledger: price not recorded")

	// Record-scoped conditions, returned wrapped in *PredictionError.
	ErrPredictionExists          = errors.New("ledger: prediction exists")
	ErrPredictionMissing         = errors.New("ledger: prediction missing")
	ErrPredictionAlreadyResolved = errors.New("ledger: prediction already resolved")
)

// DayError reports a condition about a specific day.
type DayError struct {
	Err error
	Day uint64
}

func (e *DayError) Error() string {
	return fmt.Sprintf("%v (day %d)", e.Err, e.Day)
}

func (e *DayError) Unwrap() error { return e.Err }

// PredictionError reports a condition about one participant's prediction.
type PredictionError struct {
	Err   error
	Day   uint64
	User  common.Address
	Asset asset.Asset
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("%v (day %d, user %s, asset %s)", e.Err, e.Day, e.User.Hex(), e.Asset)
}

func (e *PredictionError) Unwrap() error { return e.Err }

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotAuthorized, "NotAuthorized"},
	{ErrInvalidAsset, "InvalidAsset"},
	{ErrPriceTooLarge, "PriceTooLarge"},
	{ErrStakeRequired, "StakeRequired"},
	{ErrStakeTooLarge, "StakeTooLarge"},
	{ErrReentrancy, "ReentrancyDetected"},
	{ErrProtocolUnsupported, "ProtocolUnsupported"},
	{ErrCannotResolveYet, "CannotResolveYet"},
	{ErrDayAlreadyLocked, "DayAlreadyLocked"},
	{ErrPriceNotRecorded, "PriceNotRecorded"},
	{ErrPredictionExists, "PredictionExists"},
	{ErrPredictionMissing, "PredictionMissing"},
	{ErrPredictionAlreadyResolved, "PredictionAlreadyResolved"},
	{fhe.ErrInvalidProof, "InvalidProof"},
	{fhe.ErrTypeMismatch, "InvalidProof"},
}

// Kind returns the stable name of err's condition, or "Internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
