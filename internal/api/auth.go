package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/prophecy-engine/internal/dayclock"
)

// Request signature headers. A signed request carries the caller's address,
// a unix timestamp and an EIP-191 personal signature over
//
//	METHOD \n PATH \n TIMESTAMP \n keccak256(body)
const (
	HeaderAddress   = "X-Prophecy-Address"
	HeaderTimestamp = "X-Prophecy-Timestamp"
	HeaderSignature = "X-Prophecy-Signature"
)

const maxBodyBytes = 1 << 20

var (
	errMissingSignature = errors.New("missing signature headers")
	errStaleSignature   = errors.New("signature timestamp outside allowed skew")
	errBadSignature     = errors.New("signature does not match address")
)

type callerKey struct{}

// Caller returns the authenticated address stored by the auth middleware.
func Caller(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(common.Address)
	return a, ok
}

// Authenticator verifies signed requests.
type Authenticator struct {
	clock   dayclock.Clock
	maxSkew time.Duration
}

func NewAuthenticator(clock dayclock.Clock, maxSkew time.Duration) *Authenticator {
	return &Authenticator{clock: clock, maxSkew: maxSkew}
}

// Middleware rejects requests whose signature does not recover to the
// claimed address and stores the address for Caller.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, "read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		addr, err := a.verify(r, body)
		if err != nil {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, addr)))
	})
}

func (a *Authenticator) verify(r *http.Request, body []byte) (common.Address, error) {
	addrHex := r.Header.Get(HeaderAddress)
	tsStr := r.Header.Get(HeaderTimestamp)
	sigHex := r.Header.Get(HeaderSignature)
	if addrHex == "" || tsStr == "" || sigHex == "" {
		return common.Address{}, errMissingSignature
	}
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid %s", HeaderAddress)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid %s", HeaderTimestamp)
	}
	skew := a.clock.Now().Sub(time.Unix(ts, 0))
	if skew < -a.maxSkew || skew > a.maxSkew {
		return common.Address{}, errStaleSignature
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid %s", HeaderSignature)
	}
	// Wallets produce V in {27, 28}.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(signingHash(r.Method, r.URL.Path, tsStr, body), sig)
	if err != nil {
		return common.Address{}, errBadSignature
	}
	claimed := common.HexToAddress(addrHex)
	if crypto.PubkeyToAddress(*pub) != claimed {
		return common.Address{}, errBadSignature
	}
	return claimed, nil
}

// signingHash computes the EIP-191 personal-message digest:
//
//	keccak256("\x19Ethereum Signed Message:\n" || len(msg) || msg)
func signingHash(method, path, ts string, body []byte) []byte {
	msg := fmt.Sprintf("%s\n%s\n%s\n%s", method, path, ts, hexutil.Encode(crypto.Keccak256(body)))
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), []byte(msg))
}

// SignRequest signs r in place with key at time now. r.Body is read and
// replaced.
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := crypto.Sign(signingHash(r.Method, r.URL.Path, ts, body), key)
	if err != nil {
		return err
	}
	sig[crypto.RecoveryIDOffset] += 27

	r.Header.Set(HeaderAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}
