// Package identity resolves gateway credentials into mariner identities.
package identity

import (
	"context"
	"strings"

	apperrors "github.com/harborlink/harborlink/internal/platform/errors"
)

// Identity is the authenticated mariner behind a gateway session.
type Identity struct {
	UserID   string
	CallSign string
	Rank     string
}

// Resolver turns an opaque credential into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// StaticResolver resolves credentials from a fixed table. Used by tests and
// single-node development setups.
type StaticResolver struct {
	identities map[string]Identity
}

// NewStaticResolver builds a resolver over a credential-to-identity table.
func NewStaticResolver(identities map[string]Identity) *StaticResolver {
	table := make(map[string]Identity, len(identities))
	for credential, ident := range identities {
		table[credential] = ident
	}
	return &StaticResolver{identities: table}
}

// Resolve looks the credential up in the static table.
func (r *StaticResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "credential is required")
	}
	ident, ok := r.identities[credential]
	if !ok {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "unknown credential")
	}
	return ident, nil
}

var _ Resolver = (*StaticResolver)(nil)
