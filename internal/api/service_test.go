package api_test

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/prophecy-engine/internal/api"
	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/dayclock"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/ledger"
	"github.com/atmx/prophecy-engine/internal/model"
	"github.com/atmx/prophecy-engine/internal/store"
	"github.com/atmx/prophecy-engine/internal/vault"
)

const startDay uint64 = 19000

var self = common.HexToAddress("0x00000000000000000000000000000000000c0de0")

type testEnv struct {
	router   chi.Router
	cp       *fhe.Mock
	clock    *dayclock.Manual
	ownerKey *ecdsa.PrivateKey
	aliceKey *ecdsa.PrivateKey
	bobKey   *ecdsa.PrivateKey
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func addr(k *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(k.PublicKey)
}

// newTestEnv creates a Service over an in-memory ledger mounted on a chi
// router, with the clock one hour into startDay.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cp, err := fhe.NewMock(nil, 31337)
	if err != nil {
		t.Fatalf("NewMock: %v", err)
	}
	env := &testEnv{
		cp:       cp,
		clock:    dayclock.NewManual(dayclock.StartOf(startDay).Add(time.Hour)),
		ownerKey: mustKey(t),
		aliceKey: mustKey(t),
		bobKey:   mustKey(t),
	}
	eng, err := ledger.NewEngine(store.NewMemoryStore(), cp, vault.NewMemoryVault(), env.clock, nil,
		ledger.Config{Owner: addr(env.ownerKey), Self: self})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	svc := api.NewService(eng)
	auth := api.NewAuthenticator(env.clock, 5*time.Minute)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r, auth)
	})
	env.router = r
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// signed sends a POST signed by key at the current clock time.
func (e *testEnv) signed(t *testing.T, key *ecdsa.PrivateKey, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newPost(t, path, body)
	if err := api.SignRequest(req, key, e.clock.Now()); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func newPost(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		raw = b
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) placeBody(t *testing.T, user common.Address, price uint64, dir uint8, stake string) api.PlaceRequest {
	t.Helper()
	enc, err := e.cp.NewInput(self, user).Add64(price).Add8(dir).Encrypt()
	if err != nil {
		t.Fatalf("encrypt input: %v", err)
	}
	return api.PlaceRequest{
		Asset:        asset.ETH,
		EncPrice:     enc.Handles[0],
		EncDirection: enc.Handles[1],
		Proof:        enc.Proof,
		Stake:        stake,
	}
}

type errorBody struct {
	Error string          `json:"error"`
	Code  string          `json:"code"`
	Day   *uint64         `json:"day"`
	User  *common.Address `json:"user"`
	Asset *asset.Asset    `json:"asset"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func dayPath(prefix string, day uint64, suffix string) string {
	return prefix + strconv.FormatUint(day, 10) + suffix
}

// --- Prices ---

func TestGetDay(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/day")
	expectStatus(t, w, http.StatusOK)

	var resp struct {
		Day           uint64 `json:"day"`
		LastRecorded  uint64 `json:"last_recorded_day"`
		PriceDecimals int32  `json:"price_decimals"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Day != startDay {
		t.Errorf("expected day %d, got %d", startDay, resp.Day)
	}
	if resp.LastRecorded != 0 {
		t.Errorf("expected no recorded day, got %d", resp.LastRecorded)
	}
	if resp.PriceDecimals != 8 {
		t.Errorf("expected 8 price decimals, got %d", resp.PriceDecimals)
	}
}

func TestUpdatePrices_OwnerPostsUSD(t *testing.T) {
	env := newTestEnv(t)

	w := env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthUSD: "120", BtcUSD: "65000.5"})
	expectStatus(t, w, http.StatusCreated)
	var posted struct {
		Day uint64 `json:"day"`
	}
	json.NewDecoder(w.Body).Decode(&posted)
	if posted.Day != startDay {
		t.Errorf("expected locked day %d, got %d", startDay, posted.Day)
	}

	w = env.get(t, dayPath("/api/v1/prices/", startDay, ""))
	expectStatus(t, w, http.StatusOK)
	var pp api.PricePointResponse
	if err := json.NewDecoder(w.Body).Decode(&pp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !pp.Posted {
		t.Fatal("expected day to be posted")
	}
	if pp.EthPrice != 120_00000000 {
		t.Errorf("expected eth price 12000000000, got %d", pp.EthPrice)
	}
	if pp.BtcPrice != 65000_50000000 {
		t.Errorf("expected btc price 6500050000000, got %d", pp.BtcPrice)
	}
	if pp.EthUSD.String() != "120" {
		t.Errorf("expected eth_usd 120, got %s", pp.EthUSD)
	}
	if pp.UpdatedAt != uint64(env.clock.Now().Unix()) {
		t.Errorf("expected updated_at %d, got %d", env.clock.Now().Unix(), pp.UpdatedAt)
	}
}

func TestUpdatePrices_Units(t *testing.T) {
	env := newTestEnv(t)

	w := env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthPrice: "12345", BtcPrice: "67890"})
	expectStatus(t, w, http.StatusCreated)

	var pp api.PricePointResponse
	json.NewDecoder(env.get(t, dayPath("/api/v1/prices/", startDay, "")).Body).Decode(&pp)
	if pp.EthPrice != 12345 || pp.BtcPrice != 67890 {
		t.Errorf("unexpected prices %d/%d", pp.EthPrice, pp.BtcPrice)
	}
}

func TestUpdatePrices_NotOwner(t *testing.T) {
	env := newTestEnv(t)

	w := env.signed(t, env.aliceKey, "/api/v1/prices", api.PricesRequest{EthUSD: "1", BtcUSD: "1"})
	expectStatus(t, w, http.StatusForbidden)
	if body := decodeError(t, w); body.Code != "NotAuthorized" {
		t.Errorf("expected NotAuthorized, got %q", body.Code)
	}
}

func TestUpdatePrices_DayLocked(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthUSD: "1", BtcUSD: "1"}), http.StatusCreated)

	w := env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthUSD: "2", BtcUSD: "2"})
	expectStatus(t, w, http.StatusConflict)
	body := decodeError(t, w)
	if body.Code != "DayAlreadyLocked" {
		t.Errorf("expected DayAlreadyLocked, got %q", body.Code)
	}
	if body.Day == nil || *body.Day != startDay {
		t.Errorf("expected day %d in error body, got %v", startDay, body.Day)
	}
}

func TestUpdatePrices_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)

	w := env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthUSD: "-5", BtcUSD: "1"})
	expectStatus(t, w, http.StatusBadRequest)
	if body := decodeError(t, w); body.Code != "InvalidRequest" {
		t.Errorf("expected InvalidRequest, got %q", body.Code)
	}
}

func TestUpdatePrices_TooLarge(t *testing.T) {
	env := newTestEnv(t)

	// 2^64
	w := env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthPrice: "18446744073709551616", BtcPrice: "1"})
	expectStatus(t, w, http.StatusBadRequest)
	if body := decodeError(t, w); body.Code != "PriceTooLarge" {
		t.Errorf("expected PriceTooLarge, got %q", body.Code)
	}
}

// --- Authentication ---

func TestAuth_Unsigned(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, newPost(t, "/api/v1/prices", api.PricesRequest{EthUSD: "1"}))
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestAuth_TamperedBody(t *testing.T) {
	env := newTestEnv(t)

	req := newPost(t, "/api/v1/prices", api.PricesRequest{EthUSD: "1", BtcUSD: "1"})
	if err := api.SignRequest(req, env.ownerKey, env.clock.Now()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered, _ := json.Marshal(api.PricesRequest{EthUSD: "9999", BtcUSD: "1"})
	req.Body = io.NopCloser(bytes.NewReader(tampered))

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestAuth_ClaimedAddressMismatch(t *testing.T) {
	env := newTestEnv(t)

	req := newPost(t, "/api/v1/prices", api.PricesRequest{EthUSD: "1", BtcUSD: "1"})
	if err := api.SignRequest(req, env.aliceKey, env.clock.Now()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Header.Set(api.HeaderAddress, addr(env.ownerKey).Hex())

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestAuth_StaleTimestamp(t *testing.T) {
	env := newTestEnv(t)

	req := newPost(t, "/api/v1/prices", api.PricesRequest{EthUSD: "1", BtcUSD: "1"})
	if err := api.SignRequest(req, env.ownerKey, env.clock.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("sign: %v", err)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusUnauthorized)
}

// --- Predictions ---

func TestPredictionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := addr(env.aliceKey)

	w := env.signed(t, env.aliceKey, "/api/v1/predictions", env.placeBody(t, alice, 100_00000000, model.DirectionAbove, "1000000000000000000"))
	expectStatus(t, w, http.StatusCreated)
	var placed struct {
		Day uint64 `json:"day"`
	}
	json.NewDecoder(w.Body).Decode(&placed)
	if placed.Day != startDay {
		t.Fatalf("expected day %d, got %d", startDay, placed.Day)
	}

	// Not resolvable on the same day.
	confirmPath := dayPath("/api/v1/predictions/", startDay, "/eth/confirm")
	w = env.signed(t, env.aliceKey, confirmPath, nil)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decodeError(t, w); body.Code != "CannotResolveYet" {
		t.Errorf("expected CannotResolveYet, got %q", body.Code)
	}

	// Day passes but its prices were never posted.
	env.clock.Advance(dayclock.SecondsPerDay * time.Second)
	w = env.signed(t, env.aliceKey, confirmPath, nil)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decodeError(t, w); body.Code != "PriceNotRecorded" {
		t.Errorf("expected PriceNotRecorded, got %q", body.Code)
	}

	getPath := "/api/v1/predictions/" + alice.Hex() + dayPath("/", startDay, "/ETH")
	var pred api.PredictionResponse
	json.NewDecoder(env.get(t, getPath).Body).Decode(&pred)
	if !pred.Exists || pred.Resolved {
		t.Fatalf("expected unresolved prediction, got %+v", pred.Prediction)
	}
	if pred.Stake != 1_000_000_000_000_000_000 {
		t.Errorf("expected stake 1e18, got %d", pred.Stake)
	}
	if pred.EncPrice.IsZero() || pred.EncDirection.IsZero() {
		t.Error("expected ciphertext handles on stored prediction")
	}
}

func TestConfirmPrediction_Settles(t *testing.T) {
	env := newTestEnv(t)
	alice := addr(env.aliceKey)

	// Prices for startDay are posted the same day, before anyone predicts
	// on the next one.
	expectStatus(t, env.signed(t, env.aliceKey, "/api/v1/predictions", env.placeBody(t, alice, 100_00000000, model.DirectionAbove, "5")), http.StatusCreated)
	expectStatus(t, env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthUSD: "120", BtcUSD: "1"}), http.StatusCreated)
	env.clock.Advance(dayclock.SecondsPerDay * time.Second)

	confirmPath := dayPath("/api/v1/predictions/", startDay, "/ETH/confirm")
	expectStatus(t, env.signed(t, env.aliceKey, confirmPath, nil), http.StatusOK)

	w := env.signed(t, env.aliceKey, confirmPath, nil)
	expectStatus(t, w, http.StatusConflict)
	body := decodeError(t, w)
	if body.Code != "PredictionAlreadyResolved" {
		t.Errorf("expected PredictionAlreadyResolved, got %q", body.Code)
	}
	if body.User == nil || *body.User != alice {
		t.Errorf("expected user %s in error body, got %v", alice.Hex(), body.User)
	}
	if body.Asset == nil || *body.Asset != asset.ETH {
		t.Errorf("expected asset ETH in error body, got %v", body.Asset)
	}

	var pred api.PredictionResponse
	json.NewDecoder(env.get(t, "/api/v1/predictions/"+alice.Hex()+dayPath("/", startDay, "/0")).Body).Decode(&pred)
	if !pred.Resolved || pred.EncOutcome.IsZero() {
		t.Errorf("expected resolved prediction with outcome handle, got %+v", pred.Prediction)
	}

	var points struct {
		Points      fhe.Uint64 `json:"points"`
		Initialized bool       `json:"initialized"`
	}
	json.NewDecoder(env.get(t, "/api/v1/users/"+alice.Hex()+"/points").Body).Decode(&points)
	if !points.Initialized || points.Points.IsZero() {
		t.Error("expected initialized points handle")
	}

	var days struct {
		Days []uint64 `json:"days"`
	}
	json.NewDecoder(env.get(t, "/api/v1/users/"+alice.Hex()+"/days/eth").Body).Decode(&days)
	if len(days.Days) != 1 || days.Days[0] != startDay {
		t.Errorf("expected days [%d], got %v", startDay, days.Days)
	}
}

func TestPlacePrediction_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	alice := addr(env.aliceKey)

	expectStatus(t, env.signed(t, env.aliceKey, "/api/v1/predictions", env.placeBody(t, alice, 1, model.DirectionAbove, "1")), http.StatusCreated)

	w := env.signed(t, env.aliceKey, "/api/v1/predictions", env.placeBody(t, alice, 2, model.DirectionBelow, "1"))
	expectStatus(t, w, http.StatusConflict)
	body := decodeError(t, w)
	if body.Code != "PredictionExists" {
		t.Errorf("expected PredictionExists, got %q", body.Code)
	}
	if body.Day == nil || *body.Day != startDay {
		t.Errorf("expected day %d in error body, got %v", startDay, body.Day)
	}
}

func TestPlacePrediction_StakeEth(t *testing.T) {
	env := newTestEnv(t)
	alice := addr(env.aliceKey)

	req := env.placeBody(t, alice, 1, model.DirectionAbove, "")
	req.StakeEth = "0.5"
	expectStatus(t, env.signed(t, env.aliceKey, "/api/v1/predictions", req), http.StatusCreated)

	var pred api.PredictionResponse
	json.NewDecoder(env.get(t, "/api/v1/predictions/"+alice.Hex()+dayPath("/", startDay, "/ETH")).Body).Decode(&pred)
	if pred.Stake != 500_000_000_000_000_000 {
		t.Errorf("expected stake 5e17, got %d", pred.Stake)
	}
}

func TestPlacePrediction_StakeRequired(t *testing.T) {
	env := newTestEnv(t)
	alice := addr(env.aliceKey)

	w := env.signed(t, env.aliceKey, "/api/v1/predictions", env.placeBody(t, alice, 1, model.DirectionAbove, ""))
	expectStatus(t, w, http.StatusBadRequest)
	if body := decodeError(t, w); body.Code != "StakeRequired" {
		t.Errorf("expected StakeRequired, got %q", body.Code)
	}
}

func TestPlacePrediction_ProofBoundToUser(t *testing.T) {
	env := newTestEnv(t)
	alice := addr(env.aliceKey)

	// Bob replays alice's ciphertexts under his own signature.
	w := env.signed(t, env.bobKey, "/api/v1/predictions", env.placeBody(t, alice, 1, model.DirectionAbove, "1"))
	expectStatus(t, w, http.StatusBadRequest)
	if body := decodeError(t, w); body.Code != "InvalidProof" {
		t.Errorf("expected InvalidProof, got %q", body.Code)
	}
}

func TestPlacePrediction_DayLocked(t *testing.T) {
	env := newTestEnv(t)
	alice := addr(env.aliceKey)

	expectStatus(t, env.signed(t, env.ownerKey, "/api/v1/prices", api.PricesRequest{EthUSD: "1", BtcUSD: "1"}), http.StatusCreated)

	w := env.signed(t, env.aliceKey, "/api/v1/predictions", env.placeBody(t, alice, 1, model.DirectionAbove, "1"))
	expectStatus(t, w, http.StatusConflict)
	if body := decodeError(t, w); body.Code != "DayAlreadyLocked" {
		t.Errorf("expected DayAlreadyLocked, got %q", body.Code)
	}
}

func TestConfirmPrediction_Missing(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(dayclock.SecondsPerDay * time.Second)

	w := env.signed(t, env.aliceKey, dayPath("/api/v1/predictions/", startDay, "/BTC/confirm"), nil)
	expectStatus(t, w, http.StatusNotFound)
	if body := decodeError(t, w); body.Code != "PredictionMissing" {
		t.Errorf("expected PredictionMissing, got %q", body.Code)
	}
}

// --- Views ---

func TestGetPrediction_Absent(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/predictions/"+addr(env.bobKey).Hex()+dayPath("/", startDay, "/BTC"))
	expectStatus(t, w, http.StatusOK)
	var pred api.PredictionResponse
	json.NewDecoder(w.Body).Decode(&pred)
	if pred.Exists {
		t.Error("expected absent prediction")
	}
	if pred.Day != startDay {
		t.Errorf("expected day %d echoed, got %d", startDay, pred.Day)
	}
}

func TestGetPrediction_InvalidAsset(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/predictions/"+addr(env.bobKey).Hex()+dayPath("/", startDay, "/SOL"))
	expectStatus(t, w, http.StatusBadRequest)
	if body := decodeError(t, w); body.Code != "InvalidAsset" {
		t.Errorf("expected InvalidAsset, got %q", body.Code)
	}
}

func TestGetPoints_InvalidUser(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.get(t, "/api/v1/users/not-an-address/points"), http.StatusBadRequest)
}

func TestGetPoints_Uninitialized(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/users/"+addr(env.bobKey).Hex()+"/points")
	expectStatus(t, w, http.StatusOK)
	var resp struct {
		Initialized bool `json:"initialized"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Initialized {
		t.Error("expected uninitialized points")
	}
}

func TestGetPredictionDays_Empty(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/users/"+addr(env.bobKey).Hex()+"/days/BTC")
	expectStatus(t, w, http.StatusOK)
	if !bytes.Contains(w.Body.Bytes(), []byte(`"days":[]`)) {
		t.Errorf("expected empty days array, got %s", w.Body.String())
	}
}

func TestGetMeta(t *testing.T) {
	env := newTestEnv(t)

	w := env.get(t, "/api/v1/meta")
	expectStatus(t, w, http.StatusOK)
	var meta struct {
		Owner      common.Address `json:"owner"`
		Engine     common.Address `json:"engine_address"`
		ProtocolID uint64         `json:"protocol_id"`
		Assets     []asset.Asset  `json:"assets"`
	}
	json.NewDecoder(w.Body).Decode(&meta)
	if meta.Owner != addr(env.ownerKey) {
		t.Errorf("expected owner %s, got %s", addr(env.ownerKey).Hex(), meta.Owner.Hex())
	}
	if meta.Engine != self {
		t.Errorf("expected engine %s, got %s", self.Hex(), meta.Engine.Hex())
	}
	if meta.ProtocolID != fhe.ProtocolV1 {
		t.Errorf("expected protocol %d, got %d", fhe.ProtocolV1, meta.ProtocolID)
	}
	if len(meta.Assets) != 2 {
		t.Errorf("expected 2 assets, got %v", meta.Assets)
	}
}
