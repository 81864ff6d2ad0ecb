// Package identity carries the signed-in owner through every call.
//
// The tracker never keeps a process-wide "current user". The authentication
// collaborator produces an Identity and callers pass it explicitly to the
// record service and the reconciliation engine, so an operation can never run
// against the wrong owner or before sign-in has finished.
package identity

import (
	"fmt"
	"strings"

	"github.com/pocketledger/budget/internal/record"
)

// Identity is an authenticated owner.
type Identity struct {
	// Owner is the stable user id all records are scoped under.
	Owner string
	// Token is the bearer credential presented to the remote store.
	Token string
}

// Validate returns record.ErrUnauthorized when no owner is set.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Owner) == "" {
		return fmt.Errorf("no signed-in owner: %w", record.ErrUnauthorized)
	}
	return nil
}

// String returns the owner id; the token is never printed.
func (id Identity) String() string { return id.Owner }
