// Package fhe is the boundary to the encrypted-computation capability.
//
// The ledger only ever holds handles. Arithmetic, comparison and oblivious
// selection run inside a Coprocessor and yield new handles; nothing in this
// interface returns a plaintext, so settlement code cannot branch on a
// secret. Revealing a value is the job of a separate decryption service
// (see Gateway), which consults the permission registry first.
package fhe

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ProtocolV1 identifies the handle layout and input-proof format
// implemented here.
const ProtocolV1 uint64 = 1

var (
	ErrInvalidProof  = errors.New("fhe: input proof verification failed")
	ErrTypeMismatch  = errors.New("fhe: ciphertext type mismatch")
	ErrUnknownHandle = errors.New("fhe: unknown ciphertext handle")
	ErrUninitialized = errors.New("fhe: uninitialized ciphertext")
	ErrNotPermitted  = errors.New("fhe: decryption not permitted")
	ErrInvalidScalar = errors.New("fhe: scalar exceeds ciphertext width")
)

// Coprocessor evaluates operations over ciphertext handles. Operations are
// synchronous and deterministic for a given set of inputs.
type Coprocessor interface {
	// ProtocolID reports the protocol version the coprocessor speaks.
	ProtocolID() uint64

	// VerifyInput checks a client-supplied ciphertext against its proof,
	// binding it to user and contract, and returns the usable handle.
	VerifyInput(ext Handle, t Type, proof []byte, user, contract common.Address) (Handle, error)

	// TrivialEncrypt lifts a public value into the encrypted domain.
	TrivialEncrypt(t Type, v uint64) (Handle, error)

	EqScalar(a Handle, b uint64) (Handle, error)
	GtScalar(a Handle, b uint64) (Handle, error)
	LtScalar(a Handle, b uint64) (Handle, error)
	And(a, b Handle) (Handle, error)
	Or(a, b Handle) (Handle, error)

	// Select returns a handle to a when c is true and to b otherwise,
	// without revealing which.
	Select(c, a, b Handle) (Handle, error)

	Add(a, b Handle) (Handle, error)
}

// PermissionChecker answers whether an account may decrypt a handle.
type PermissionChecker interface {
	IsAllowed(ctx context.Context, h Handle, account common.Address) (bool, error)
}
