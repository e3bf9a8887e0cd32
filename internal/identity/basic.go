// Package identity provides a reference IdentityProvider. Grounded on
// original_source/aws-mls-core/src/identity/basic.rs: a Basic credential's
// identity bytes are its identity, validation only checks non-emptiness,
// and successor validation requires identity-byte equality.
package identity

import (
	"bytes"
	"fmt"

	"github.com/s3131212/mls-go/internal/credential"
)

// BasicIdentityProvider accepts only Basic credentials; every other
// credential type is rejected. A real deployment wanting X.509 support
// supplies its own credential.Provider instead.
type BasicIdentityProvider struct{}

var _ credential.Provider = BasicIdentityProvider{}

func (BasicIdentityProvider) Validate(c credential.Credential, _ int64) error {
	if c.Type != credential.TypeBasic {
		return fmt.Errorf("%w: basic provider only accepts basic credentials", credential.ErrIdentityRejected)
	}
	if len(c.Identity) == 0 {
		return fmt.Errorf("%w: empty identity", credential.ErrIdentityRejected)
	}
	return nil
}

func (BasicIdentityProvider) Identity(c credential.Credential) ([]byte, error) {
	if c.Type != credential.TypeBasic {
		return nil, fmt.Errorf("%w: not a basic credential", credential.ErrIdentityRejected)
	}
	return c.Identity, nil
}

func (b BasicIdentityProvider) ValidSuccessor(old, new credential.Credential) bool {
	oldID, err := b.Identity(old)
	if err != nil {
		return false
	}
	newID, err := b.Identity(new)
	if err != nil {
		return false
	}
	return bytes.Equal(oldID, newID)
}
