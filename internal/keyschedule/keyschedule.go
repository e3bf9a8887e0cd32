// Package keyschedule implements §4.C7: the per-epoch secret derivation
// chain from (init_secret_prev, commit_secret, psk_secret, group_context)
// down through every labelled child secret a commit produces.
//
// Grounded on the teacher's keyScheduleEpoch/newKeyScheduleEpoch
// (key-schedule.go): one struct owns an epoch's secrets and knows how to
// derive its successor via Suite.hkdfExtract/deriveSecret. This package
// generalizes that shape to the full RFC 9420 secret fan-out, including
// authentication_secret, which the teacher's epoch did not carry.
package keyschedule

import "github.com/s3131212/mls-go/internal/crypto"

// EpochSecrets is everything derived from one epoch_secret, per §4.C7.
type EpochSecrets struct {
	JoinerSecret  []byte
	WelcomeSecret []byte
	EpochSecret   []byte

	SenderDataSecret  []byte
	EncryptionSecret  []byte
	ExporterSecret    []byte
	ExternalSecret    []byte
	ConfirmationKey   []byte
	MembershipKey     []byte
	ResumptionPsk     []byte
	InitSecretNext    []byte

	// AuthenticationSecret is supplemented from the per-endpoint
	// authentication binder the original source derives alongside the
	// standard RFC 9420 fan-out; see DESIGN.md.
	AuthenticationSecret []byte
}

// zeroize overwrites a secret in place, per §5's zeroisation requirement.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Erase zeroes every secret this epoch holds. Callers must call this once a
// successor epoch has been derived and this one is no longer needed for
// still-arriving messages (§5 "Ownership"/"Zeroisation").
func (e *EpochSecrets) Erase() {
	zeroize(e.JoinerSecret)
	zeroize(e.WelcomeSecret)
	zeroize(e.EpochSecret)
	zeroize(e.SenderDataSecret)
	zeroize(e.EncryptionSecret)
	zeroize(e.ExporterSecret)
	zeroize(e.ExternalSecret)
	zeroize(e.ConfirmationKey)
	zeroize(e.MembershipKey)
	zeroize(e.ResumptionPsk)
	zeroize(e.InitSecretNext)
	zeroize(e.AuthenticationSecret)
}

// DeriveJoinerSecret computes joiner_secret = ExpandWithLabel(
// Extract(init_secret_prev, commit_secret), "joiner", group_context, H.len),
// per §4.C7.
func DeriveJoinerSecret(suite crypto.Provider, initSecretPrev, commitSecret, groupContextEncoded []byte) []byte {
	prk := suite.KDFExtract(initSecretPrev, commitSecret)
	return crypto.ExpandWithLabel(suite, prk, "joiner", groupContextEncoded, suite.HashSize())
}

// DeriveWelcomeSecret computes welcome_secret = DeriveSecret(Extract(
// joiner_secret, psk_secret), "welcome"), per §4.C7. Unlike epoch_secret,
// welcome_secret does not depend on group_context_encoded, so a Welcome's
// recipient can derive it before it has recovered the tree/context a
// sealed GroupInfo carries.
func DeriveWelcomeSecret(suite crypto.Provider, joinerSecret, pskSecret []byte) []byte {
	extracted := suite.KDFExtract(joinerSecret, pskSecret)
	return crypto.DeriveSecret(suite, extracted, "welcome")
}

// DeriveEpoch derives the full set of epoch secrets from a joiner_secret,
// per §4.C7: welcome_secret and epoch_secret both extract over
// (joiner_secret, psk_secret), then every epoch-derived secret is
// DeriveSecret(epoch_secret, label). pskSecret may be nil/empty when no PSK
// proposal was applied; Extract then runs over an empty IKM (not an
// all-zero string of hash length).
func DeriveEpoch(suite crypto.Provider, joinerSecret, pskSecret, groupContextEncoded []byte) *EpochSecrets {
	extracted := suite.KDFExtract(joinerSecret, pskSecret)

	welcomeSecret := DeriveWelcomeSecret(suite, joinerSecret, pskSecret)
	epochSecret := crypto.ExpandWithLabel(suite, extracted, "epoch", groupContextEncoded, suite.HashSize())

	return &EpochSecrets{
		JoinerSecret:  joinerSecret,
		WelcomeSecret: welcomeSecret,
		EpochSecret:   epochSecret,

		SenderDataSecret:     crypto.DeriveSecret(suite, epochSecret, "sender data"),
		EncryptionSecret:     crypto.DeriveSecret(suite, epochSecret, "encryption"),
		ExporterSecret:       crypto.DeriveSecret(suite, epochSecret, "exporter"),
		ExternalSecret:       crypto.DeriveSecret(suite, epochSecret, "external"),
		ConfirmationKey:      crypto.DeriveSecret(suite, epochSecret, "confirm"),
		MembershipKey:        crypto.DeriveSecret(suite, epochSecret, "membership"),
		ResumptionPsk:        crypto.DeriveSecret(suite, epochSecret, "resumption"),
		InitSecretNext:       crypto.DeriveSecret(suite, epochSecret, "init"),
		AuthenticationSecret: crypto.DeriveSecret(suite, epochSecret, "authentication"),
	}
}

// ExportSecret implements the group session's exporter API: a
// label/context/length-parameterised derivation off exporter_secret,
// doubly labelled per RFC 9420 (once under the exported label, once under
// the fixed "exported" label binding the requested length and context).
func ExportSecret(suite crypto.Provider, exporterSecret []byte, label string, context []byte, length int) []byte {
	secret := crypto.DeriveSecret(suite, crypto.ExpandWithLabel(suite, exporterSecret, label, nil, suite.HashSize()), "exported")
	return crypto.ExpandWithLabel(suite, secret, "exported", suite.Hash(context), length)
}
