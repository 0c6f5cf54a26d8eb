// Package acl describes decryption permissions for ciphertext handles.
//
// Every ciphertext the ledger stores must be readable by the account it
// belongs to and by the ledger itself, otherwise it could never be used
// again in a later computation nor decrypted by its owner. Stores take a
// List together with each write and refuse handles the list does not grant
// to the record's owner.
package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/prophecy-engine/internal/fhe"
)

var ErrMissingGrant = errors.New("acl: ciphertext stored without grant")

// Grant allows Account to use and decrypt Handle.
type Grant struct {
	Handle  fhe.Handle     `json:"handle"`
	Account common.Address `json:"account"`
}

// List is a set of grants issued together with a write.
type List []Grant

// Builder collects the accounts of a grant before the handles are known.
type Builder struct {
	accounts []common.Address
}

// Allow starts a grant for the given accounts.
//
//	acl.Allow(user, self).On(price.Handle, dir.Handle)
func Allow(accounts ...common.Address) Builder {
	return Builder{accounts: accounts}
}

// On produces one grant per (handle, account) pair. Zero handles are skipped.
func (b Builder) On(handles ...fhe.Handle) List {
	out := make(List, 0, len(handles)*len(b.accounts))
	for _, h := range handles {
		if h.IsZero() {
			continue
		}
		for _, a := range b.accounts {
			out = append(out, Grant{Handle: h, Account: a})
		}
	}
	return out
}

// Allows reports whether l grants account access to h.
func (l List) Allows(h fhe.Handle, account common.Address) bool {
	for _, g := range l {
		if g.Handle == h && g.Account == account {
			return true
		}
	}
	return false
}

// Require returns ErrMissingGrant unless every non-zero handle is granted to
// each of the accounts.
func (l List) Require(accounts []common.Address, handles ...fhe.Handle) error {
	for _, h := range handles {
		if h.IsZero() {
			continue
		}
		for _, a := range accounts {
			if !l.Allows(h, a) {
				return fmt.Errorf("%w: %s for %s", ErrMissingGrant, h.Hex(), a.Hex())
			}
		}
	}
	return nil
}

// Checker answers permission queries against the persisted registry.
type Checker interface {
	IsAllowed(ctx context.Context, h fhe.Handle, account common.Address) (bool, error)
}
