package fhe

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const sigLen = crypto.SignatureLength

// Encrypted is the client-side output of an input builder: one external
// handle per added value, and a single proof covering all of them.
type Encrypted struct {
	Handles []Handle
	Proof   []byte
}

// InputBuilder collects plaintexts a user wants to submit to a contract.
type InputBuilder struct {
	m        *Mock
	contract common.Address
	user     common.Address
	types    []Type
	values   []uint64
}

// NewInput starts an encrypted input bound to contract and user. A proof
// produced by the builder is rejected for any other pair.
func (m *Mock) NewInput(contract, user common.Address) *InputBuilder {
	return &InputBuilder{m: m, contract: contract, user: user}
}

func (b *InputBuilder) add(t Type, v uint64) *InputBuilder {
	b.types = append(b.types, t)
	b.values = append(b.values, v)
	return b
}

func (b *InputBuilder) Add64(v uint64) *InputBuilder { return b.add(TypeUint64, v) }
func (b *InputBuilder) Add8(v uint8) *InputBuilder   { return b.add(TypeUint8, uint64(v)) }

func (b *InputBuilder) AddBool(v bool) *InputBuilder {
	return b.add(TypeBool, boolBit(v))
}

// Encrypt registers the values with the coprocessor and signs the proof.
func (b *InputBuilder) Encrypt() (Encrypted, error) {
	if len(b.values) == 0 || len(b.values) > 255 {
		return Encrypted{}, fmt.Errorf("fhe: input must hold 1..255 values, got %d", len(b.values))
	}

	b.m.mu.Lock()
	handles := make([]Handle, len(b.values))
	for i, v := range b.values {
		handles[i] = b.m.mint(b.types[i], v, []byte("input"), b.contract[:], b.user[:])
	}
	b.m.mu.Unlock()

	sig, err := crypto.Sign(b.m.proofDigest(handles, b.user, b.contract), b.m.verifier)
	if err != nil {
		return Encrypted{}, fmt.Errorf("fhe: sign input proof: %w", err)
	}

	proof := make([]byte, 0, 1+len(handles)*32+sigLen)
	proof = append(proof, byte(len(handles)))
	for _, h := range handles {
		proof = append(proof, h[:]...)
	}
	proof = append(proof, sig...)
	return Encrypted{Handles: handles, Proof: proof}, nil
}

func (m *Mock) proofDigest(handles []Handle, user, contract common.Address) []byte {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], m.chainID)
	parts := [][]byte{contract[:], user[:], chain[:]}
	for _, h := range handles {
		parts = append(parts, h[:])
	}
	return crypto.Keccak256(parts...)
}

// VerifyInput checks that proof was issued by the input verifier for this
// user and contract, that it covers ext, and that ext has type t.
func (m *Mock) VerifyInput(ext Handle, t Type, proof []byte, user, contract common.Address) (Handle, error) {
	if len(proof) < 1 {
		return Handle{}, fmt.Errorf("%w: empty proof", ErrInvalidProof)
	}
	n := int(proof[0])
	if n == 0 || len(proof) != 1+n*32+sigLen {
		return Handle{}, fmt.Errorf("%w: malformed proof", ErrInvalidProof)
	}

	handles := make([]Handle, n)
	covered := false
	for i := range handles {
		copy(handles[i][:], proof[1+i*32:1+(i+1)*32])
		if handles[i] == ext {
			covered = true
		}
	}
	if !covered {
		return Handle{}, fmt.Errorf("%w: handle not covered by proof", ErrInvalidProof)
	}

	sig := proof[1+n*32:]
	pub, err := crypto.SigToPub(m.proofDigest(handles, user, contract), sig)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if crypto.PubkeyToAddress(*pub) != m.address {
		return Handle{}, fmt.Errorf("%w: signer mismatch", ErrInvalidProof)
	}

	if ext.Type() != t {
		return Handle{}, fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, t, ext.Type())
	}

	m.mu.RLock()
	_, err = m.load(ext)
	m.mu.RUnlock()
	if err != nil {
		return Handle{}, err
	}
	return ext, nil
}
