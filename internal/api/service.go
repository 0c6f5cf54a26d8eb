// Package api exposes the prediction ledger over HTTP.
//
// Reads are public and return ciphertext handles, never plaintexts.
// Mutations are signed by the caller's key (see Authenticator); the
// recovered address is the caller the ledger acts for.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/ledger"
	"github.com/atmx/prophecy-engine/internal/model"
	"github.com/atmx/prophecy-engine/internal/store"
)

// Service handles ledger requests.
type Service struct {
	engine *ledger.Engine
}

// NewService creates a new ledger HTTP service.
func NewService(eng *ledger.Engine) *Service {
	return &Service{engine: eng}
}

// Routes mounts the public and signed endpoints on r. auth guards the
// mutating routes.
func (s *Service) Routes(r chi.Router, auth *Authenticator) {
	r.Get("/day", s.GetDay)
	r.Get("/meta", s.GetMeta)
	r.Get("/prices/{day}", s.GetPrices)
	r.Get("/predictions/{user}/{day}/{asset}", s.GetPrediction)
	r.Get("/users/{user}/points", s.GetPoints)
	r.Get("/users/{user}/days/{asset}", s.GetPredictionDays)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/prices", s.UpdatePrices)
		r.Post("/predictions", s.PlacePrediction)
		r.Post("/predictions/{day}/{asset}/confirm", s.ConfirmPrediction)
	})
}

// --- Request/Response types ---

// PricesRequest is the JSON body for POST /prices. Each price is given
// either in scaled units (eth_price) or as a decimal in USD (eth_usd).
type PricesRequest struct {
	EthPrice string `json:"eth_price,omitempty"` // 10^-8 USD units
	BtcPrice string `json:"btc_price,omitempty"`
	EthUSD   string `json:"eth_usd,omitempty"` // "3012.55"
	BtcUSD   string `json:"btc_usd,omitempty"`
}

// PlaceRequest is the JSON body for POST /predictions. The stake is given
// in wei (stake) or in ether (stake_eth).
type PlaceRequest struct {
	Asset        asset.Asset   `json:"asset"`
	EncPrice     fhe.Handle    `json:"enc_price"`
	EncDirection fhe.Handle    `json:"enc_direction"`
	Proof        hexutil.Bytes `json:"proof"`
	Stake        string        `json:"stake,omitempty"`
	StakeEth     string        `json:"stake_eth,omitempty"`
}

// PricePointResponse is a posted (or pending) price pair.
type PricePointResponse struct {
	Day       uint64          `json:"day"`
	Posted    bool            `json:"posted"`
	EthPrice  uint64          `json:"eth_price"`
	BtcPrice  uint64          `json:"btc_price"`
	EthUSD    decimal.Decimal `json:"eth_usd"`
	BtcUSD    decimal.Decimal `json:"btc_usd"`
	UpdatedAt uint64          `json:"updated_at"`
}

// PredictionResponse wraps a stored prediction with its key.
type PredictionResponse struct {
	User  common.Address `json:"user"`
	Asset asset.Asset    `json:"asset"`
	model.Prediction
}

// --- HTTP Handlers ---

// GetDay handles GET /api/v1/day
func (s *Service) GetDay(w http.ResponseWriter, r *http.Request) {
	last, err := s.engine.LastRecordedDay(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"day":               s.engine.CurrentDay(),
		"last_recorded_day": last,
		"price_decimals":    s.engine.PriceDecimals(),
	})
}

// GetMeta handles GET /api/v1/meta
func (s *Service) GetMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":          s.engine.Owner(),
		"engine_address": s.engine.Address(),
		"protocol_id":    s.engine.ProtocolID(),
		"price_decimals": s.engine.PriceDecimals(),
		"assets":         asset.All(),
	})
}

// GetPrices handles GET /api/v1/prices/{day}
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	day, ok := dayParam(w, r)
	if !ok {
		return
	}
	pp, err := s.engine.PricesForDay(r.Context(), day)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PricePointResponse{
		Day:       day,
		Posted:    pp.Posted(),
		EthPrice:  pp.EthPrice,
		BtcPrice:  pp.BtcPrice,
		EthUSD:    asset.FormatScaled(pp.EthPrice, asset.PriceDecimals),
		BtcUSD:    asset.FormatScaled(pp.BtcPrice, asset.PriceDecimals),
		UpdatedAt: pp.UpdatedAt,
	})
}

// UpdatePrices handles POST /api/v1/prices (signed, owner only)
func (s *Service) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r.Context())

	var req PricesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eth, err := amount(req.EthPrice, req.EthUSD, asset.PriceDecimals)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	btc, err := amount(req.BtcPrice, req.BtcUSD, asset.PriceDecimals)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	day, err := s.engine.UpdatePrices(r.Context(), caller, eth, btc)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"day": day})
}

// PlacePrediction handles POST /api/v1/predictions (signed)
func (s *Service) PlacePrediction(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r.Context())

	var req PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	stake, err := amount(req.Stake, req.StakeEth, asset.StakeDecimals)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	day, err := s.engine.PlacePrediction(r.Context(), caller, ledger.PlaceRequest{
		Asset:        req.Asset,
		EncPrice:     req.EncPrice,
		EncDirection: req.EncDirection,
		Proof:        req.Proof,
		Stake:        stake,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"day":   day,
		"user":  caller,
		"asset": req.Asset,
	})
}

// ConfirmPrediction handles POST /api/v1/predictions/{day}/{asset}/confirm (signed)
func (s *Service) ConfirmPrediction(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r.Context())
	day, ok := dayParam(w, r)
	if !ok {
		return
	}
	a, ok := assetParam(w, r)
	if !ok {
		return
	}

	if err := s.engine.ConfirmPrediction(r.Context(), caller, day, a); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"day":      day,
		"user":     caller,
		"asset":    a,
		"resolved": true,
	})
}

// GetPrediction handles GET /api/v1/predictions/{user}/{day}/{asset}
func (s *Service) GetPrediction(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	day, ok := dayParam(w, r)
	if !ok {
		return
	}
	a, ok := assetParam(w, r)
	if !ok {
		return
	}

	p, err := s.engine.Prediction(r.Context(), user, day, a)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if !p.Exists {
		p.Day = day
	}
	writeJSON(w, http.StatusOK, PredictionResponse{User: user, Asset: a, Prediction: p})
}

// GetPoints handles GET /api/v1/users/{user}/points
func (s *Service) GetPoints(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	h, err := s.engine.UserPoints(r.Context(), user)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        user,
		"points":      h,
		"initialized": !h.IsZero(),
	})
}

// GetPredictionDays handles GET /api/v1/users/{user}/days/{asset}
func (s *Service) GetPredictionDays(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	a, ok := assetParam(w, r)
	if !ok {
		return
	}
	days, err := s.engine.UserPredictionDays(r.Context(), user, a)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if days == nil {
		days = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"asset": a,
		"days":  days,
	})
}

// --- Helpers ---

// amount parses units, or human when units is empty. Both empty is zero.
func amount(units, human string, decimals int32) (*uint256.Int, error) {
	switch {
	case units != "":
		return asset.ParseUnits(units)
	case human != "":
		return asset.ParseScaled(human, decimals)
	default:
		return new(uint256.Int), nil
	}
}

func dayParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	day, err := strconv.ParseUint(chi.URLParam(r, "day"), 10, 64)
	if err != nil {
		writeError(w, "invalid day", http.StatusBadRequest)
		return 0, false
	}
	return day, true
}

func assetParam(w http.ResponseWriter, r *http.Request) (asset.Asset, bool) {
	a, err := asset.Parse(chi.URLParam(r, "asset"))
	if err != nil {
		writeLedgerError(w, err)
		return 0, false
	}
	return a, true
}

func userParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	s := chi.URLParam(r, "user")
	if !common.IsHexAddress(s) {
		writeError(w, "invalid user address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string          `json:"error"`
	Code  string          `json:"code,omitempty"`
	Day   *uint64         `json:"day,omitempty"`
	User  *common.Address `json:"user,omitempty"`
	Asset *asset.Asset    `json:"asset,omitempty"`
}

// writeLedgerError maps a ledger error to a status code and a structured
// body carrying the error's day, user and asset where present.
func writeLedgerError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Code: ledger.Kind(err)}

	var de *ledger.DayError
	var pe *ledger.PredictionError
	switch {
	case errors.As(err, &pe):
		resp.Day, resp.User, resp.Asset = &pe.Day, &pe.User, &pe.Asset
	case errors.As(err, &de):
		resp.Day = &de.Day
	}

	status := statusFor(err)
	if status == http.StatusBadRequest && resp.Code == "Internal" {
		resp.Code = "InvalidRequest"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrPredictionMissing):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrDayAlreadyLocked),
		errors.Is(err, ledger.ErrPredictionExists),
		errors.Is(err, ledger.ErrPredictionAlreadyResolved),
		errors.Is(err, ledger.ErrReentrancy),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrCannotResolveYet),
		errors.Is(err, ledger.ErrPriceNotRecorded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAsset),
		errors.Is(err, ledger.ErrPriceTooLarge),
		errors.Is(err, ledger.ErrStakeRequired),
		errors.Is(err, ledger.ErrStakeTooLarge),
		errors.Is(err, asset.ErrInvalidAmount),
		errors.Is(err, asset.ErrAmountOverflow),
		errors.Is(err, fhe.ErrInvalidProof),
		errors.Is(err, fhe.ErrTypeMismatch),
		errors.Is(err, fhe.ErrUnknownHandle):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}
