package fhe

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Type is the plaintext type a ciphertext handle stands for. The numbering
// follows the coprocessor wire format and is encoded in byte 30 of a handle.
type Type uint8

const (
	TypeBool   Type = 0
	TypeUint8  Type = 2
	TypeUint64 Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "ebool"
	case TypeUint8:
		return "euint8"
	case TypeUint64:
		return "euint64"
	default:
		return fmt.Sprintf("etype(%d)", uint8(t))
	}
}

// bits returns the plaintext width of t.
func (t Type) bits() uint {
	switch t {
	case TypeBool:
		return 1
	case TypeUint8:
		return 8
	default:
		return 64
	}
}

const (
	typeByte    = 30
	versionByte = 31
)

// Handle is an opaque 32-byte reference to a ciphertext held by the
// coprocessor. The zero handle means "no ciphertext".
type Handle [32]byte

// IsZero reports whether h is the empty handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Type returns the ciphertext type encoded in h.
func (h Handle) Type() Type {
	return Type(h[typeByte])
}

// Hex returns the 0x-prefixed hex form of h.
func (h Handle) Hex() string {
	return hexutil.Encode(h[:])
}

func (h Handle) String() string { return h.Hex() }

// Bytes returns a copy of the raw handle bytes.
func (h Handle) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Handle) UnmarshalText(b []byte) error {
	v, err := HandleFromHex(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// HandleFromHex parses a 0x-prefixed 32-byte hex string.
func HandleFromHex(s string) (Handle, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Handle{}, fmt.Errorf("fhe: decode handle: %w", err)
	}
	return HandleFromBytes(raw)
}

// HandleFromBytes copies a 32-byte slice into a Handle.
func HandleFromBytes(raw []byte) (Handle, error) {
	var h Handle
	if len(raw) != len(h) {
		return Handle{}, fmt.Errorf("fhe: handle must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Typed ciphertexts. They share the Handle representation but cannot be
// passed where another type is expected.
type (
	Uint64 struct{ Handle }
	Uint8  struct{ Handle }
	Bool   struct{ Handle }
)
