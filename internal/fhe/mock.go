package fhe

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Mock is an in-process coprocessor that keeps plaintexts in a table keyed by
// handle. It implements the same operation semantics as a real coprocessor
// and verifies input proofs signed by a secp256k1 input-verifier key, so the
// ledger cannot tell it apart from the real service. The plaintext table is
// not persisted.
type Mock struct {
	mu       sync.RWMutex
	values   map[Handle]uint64
	seq      uint64
	chainID  uint64
	verifier *ecdsa.PrivateKey
	address  common.Address
}

// NewMock creates a mock coprocessor whose input proofs are signed with
// verifier. A nil key generates a fresh one.
func NewMock(verifier *ecdsa.PrivateKey, chainID uint64) (*Mock, error) {
	if verifier == nil {
		k, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("fhe: generate verifier key: %w", err)
		}
		verifier = k
	}
	return &Mock{
		values:   make(map[Handle]uint64),
		chainID:  chainID,
		verifier: verifier,
		address:  crypto.PubkeyToAddress(verifier.PublicKey),
	}, nil
}

// VerifierAddress returns the address whose signatures VerifyInput accepts.
func (m *Mock) VerifierAddress() common.Address {
	return m.address
}

func (m *Mock) ProtocolID() uint64 { return ProtocolV1 }

// mint registers v under a fresh handle of type t. Caller holds m.mu.
func (m *Mock) mint(t Type, v uint64, parts ...[]byte) Handle {
	m.seq++
	var seq, chain [8]byte
	binary.BigEndian.PutUint64(seq[:], m.seq)
	binary.BigEndian.PutUint64(chain[:], m.chainID)
	parts = append(parts, seq[:], chain[:])

	var h Handle
	copy(h[:], crypto.Keccak256(parts...))
	h[typeByte] = byte(t)
	h[versionByte] = byte(ProtocolV1)
	m.values[h] = v & mask(t)
	return h
}

func mask(t Type) uint64 {
	if t.bits() >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << t.bits()) - 1
}

// load returns the plaintext behind h. Caller holds m.mu.
func (m *Mock) load(h Handle) (uint64, error) {
	if h.IsZero() {
		return 0, ErrUninitialized
	}
	v, ok := m.values[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
	}
	return v, nil
}

func (m *Mock) TrivialEncrypt(t Type, v uint64) (Handle, error) {
	if v&mask(t) != v {
		return Handle{}, fmt.Errorf("%w: %d for %s", ErrInvalidScalar, v, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mint(t, v, []byte("trivial"), []byte{byte(t)}), nil
}

func (m *Mock) scalarCmp(op string, a Handle, b uint64, cmp func(x, y uint64) bool) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, err := m.load(a)
	if err != nil {
		return Handle{}, err
	}
	if a.Type() == TypeBool {
		return Handle{}, fmt.Errorf("%w: %s on %s", ErrTypeMismatch, op, a.Type())
	}
	if b&mask(a.Type()) != b {
		return Handle{}, fmt.Errorf("%w: %d for %s", ErrInvalidScalar, b, a.Type())
	}
	var scalar [8]byte
	binary.BigEndian.PutUint64(scalar[:], b)
	return m.mint(TypeBool, boolBit(cmp(x, b)), []byte(op), a[:], scalar[:]), nil
}

func (m *Mock) EqScalar(a Handle, b uint64) (Handle, error) {
	return m.scalarCmp("eq", a, b, func(x, y uint64) bool { return x == y })
}

func (m *Mock) GtScalar(a Handle, b uint64) (Handle, error) {
	return m.scalarCmp("gt", a, b, func(x, y uint64) bool { return x > y })
}

func (m *Mock) LtScalar(a Handle, b uint64) (Handle, error) {
	return m.scalarCmp("lt", a, b, func(x, y uint64) bool { return x < y })
}

func (m *Mock) binop(op string, a, b Handle, boolOnly bool, fn func(x, y uint64) uint64) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, err := m.load(a)
	if err != nil {
		return Handle{}, err
	}
	y, err := m.load(b)
	if err != nil {
		return Handle{}, err
	}
	if a.Type() != b.Type() {
		return Handle{}, fmt.Errorf("%w: %s(%s, %s)", ErrTypeMismatch, op, a.Type(), b.Type())
	}
	if boolOnly != (a.Type() == TypeBool) {
		return Handle{}, fmt.Errorf("%w: %s on %s", ErrTypeMismatch, op, a.Type())
	}
	return m.mint(a.Type(), fn(x, y), []byte(op), a[:], b[:]), nil
}

func (m *Mock) And(a, b Handle) (Handle, error) {
	return m.binop("and", a, b, true, func(x, y uint64) uint64 { return x & y })
}

func (m *Mock) Or(a, b Handle) (Handle, error) {
	return m.binop("or", a, b, true, func(x, y uint64) uint64 { return x | y })
}

func (m *Mock) Add(a, b Handle) (Handle, error) {
	return m.binop("add", a, b, false, func(x, y uint64) uint64 { return x + y })
}

func (m *Mock) Select(c, a, b Handle) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cond, err := m.load(c)
	if err != nil {
		return Handle{}, err
	}
	if c.Type() != TypeBool {
		return Handle{}, fmt.Errorf("%w: select condition is %s", ErrTypeMismatch, c.Type())
	}
	x, err := m.load(a)
	if err != nil {
		return Handle{}, err
	}
	y, err := m.load(b)
	if err != nil {
		return Handle{}, err
	}
	if a.Type() != b.Type() {
		return Handle{}, fmt.Errorf("%w: select(%s, %s)", ErrTypeMismatch, a.Type(), b.Type())
	}
	// Both branches are always loaded; only the plaintext table sees cond.
	out := y
	if cond == 1 {
		out = x
	}
	return m.mint(a.Type(), out, []byte("select"), c[:], a[:], b[:]), nil
}

// reveal returns the plaintext for h. Only the Gateway calls it.
func (m *Mock) reveal(h Handle) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(h)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

var _ Coprocessor = (*Mock)(nil)
