package acl_test

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/prophecy-engine/internal/acl"
	"github.com/atmx/prophecy-engine/internal/fhe"
)

var (
	user   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	engine = common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	other  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func handle(b byte) fhe.Handle {
	var h fhe.Handle
	h[0] = b
	return h
}

func TestAllowOn(t *testing.T) {
	l := acl.Allow(user, engine).On(handle(1), fhe.Handle{}, handle(2))
	if len(l) != 4 {
		t.Fatalf("expected 4 grants (zero handle skipped), got %d", len(l))
	}
	for _, h := range []fhe.Handle{handle(1), handle(2)} {
		if !l.Allows(h, user) || !l.Allows(h, engine) {
			t.Errorf("expected %s granted to user and engine", h)
		}
		if l.Allows(h, other) {
			t.Errorf("did not expect %s granted to other", h)
		}
	}
	if l.Allows(handle(3), user) {
		t.Error("did not expect handle 3 to be granted")
	}
}

func TestRequire(t *testing.T) {
	l := append(acl.Allow(user, engine).On(handle(1)), acl.Allow(engine).On(handle(2))...)
	both := []common.Address{user, engine}

	if err := l.Require(both, handle(1), fhe.Handle{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := l.Require(both, handle(2)); !errors.Is(err, acl.ErrMissingGrant) {
		t.Errorf("expected ErrMissingGrant, got %v", err)
	}
	if err := l.Require([]common.Address{engine}, handle(2)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
