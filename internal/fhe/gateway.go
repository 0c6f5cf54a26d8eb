package fhe

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Gateway is the user-decryption service. A handle is revealed to a user
// only when the permission registry allows both the user and the contract
// that owns the ciphertext.
type Gateway struct {
	m       *Mock
	checker PermissionChecker
}

func NewGateway(m *Mock, checker PermissionChecker) *Gateway {
	return &Gateway{m: m, checker: checker}
}

// UserDecrypt returns the plaintext behind h for user.
func (g *Gateway) UserDecrypt(ctx context.Context, h Handle, user, contract common.Address) (uint64, error) {
	if h.IsZero() {
		return 0, ErrUninitialized
	}
	for _, acct := range []common.Address{user, contract} {
		ok, err := g.checker.IsAllowed(ctx, h, acct)
		if err != nil {
			return 0, fmt.Errorf("fhe: check permission: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("%w: %s on %s", ErrNotPermitted, acct.Hex(), h.Hex())
		}
	}
	return g.m.reveal(h)
}

// UserDecryptBool is UserDecrypt for an encrypted boolean.
func (g *Gateway) UserDecryptBool(ctx context.Context, h Bool, user, contract common.Address) (bool, error) {
	v, err := g.UserDecrypt(ctx, h.Handle, user, contract)
	return v == 1, err
}
