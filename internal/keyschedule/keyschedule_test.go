package keyschedule_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keyschedule"
)

func TestDeriveEpochFansOutDistinctSecrets(t *testing.T) {
	suite := crypto.NewSuite1()
	zero := make([]byte, suite.HashSize())
	groupCtx := []byte("group-context-bytes")

	joinerSecret := keyschedule.DeriveJoinerSecret(suite, zero, zero, groupCtx)
	require.Len(t, joinerSecret, suite.HashSize())

	secrets := keyschedule.DeriveEpoch(suite, joinerSecret, nil, groupCtx)

	all := [][]byte{
		secrets.WelcomeSecret, secrets.EpochSecret, secrets.SenderDataSecret,
		secrets.EncryptionSecret, secrets.ExporterSecret, secrets.ExternalSecret,
		secrets.ConfirmationKey, secrets.MembershipKey, secrets.ResumptionPsk,
		secrets.InitSecretNext, secrets.AuthenticationSecret,
	}
	for i := range all {
		require.Len(t, all[i], suite.HashSize())
		for j := range all {
			if i == j {
				continue
			}
			require.False(t, bytes.Equal(all[i], all[j]), "secrets %d and %d collide", i, j)
		}
	}
}

func TestDeriveEpochIsDeterministic(t *testing.T) {
	suite := crypto.NewSuite1()
	zero := make([]byte, suite.HashSize())
	groupCtx := []byte("ctx")

	joinerSecret := keyschedule.DeriveJoinerSecret(suite, zero, zero, groupCtx)
	a := keyschedule.DeriveEpoch(suite, joinerSecret, nil, groupCtx)
	b := keyschedule.DeriveEpoch(suite, joinerSecret, nil, groupCtx)
	require.Equal(t, a.EpochSecret, b.EpochSecret)
	require.Equal(t, a.ExporterSecret, b.ExporterSecret)
}

func TestDeriveEpochPSKChangesSecrets(t *testing.T) {
	suite := crypto.NewSuite1()
	zero := make([]byte, suite.HashSize())
	groupCtx := []byte("ctx")
	joinerSecret := keyschedule.DeriveJoinerSecret(suite, zero, zero, groupCtx)

	noPSK := keyschedule.DeriveEpoch(suite, joinerSecret, nil, groupCtx)
	withPSK := keyschedule.DeriveEpoch(suite, joinerSecret, []byte("a-psk-secret"), groupCtx)
	require.False(t, bytes.Equal(noPSK.EpochSecret, withPSK.EpochSecret))
}

func TestExportSecretVariesByLabelContextAndLength(t *testing.T) {
	suite := crypto.NewSuite1()
	zero := make([]byte, suite.HashSize())
	groupCtx := []byte("ctx")
	joinerSecret := keyschedule.DeriveJoinerSecret(suite, zero, zero, groupCtx)
	secrets := keyschedule.DeriveEpoch(suite, joinerSecret, nil, groupCtx)

	base := keyschedule.ExportSecret(suite, secrets.ExporterSecret, "label-a", []byte("ctx-a"), 32)
	require.Len(t, base, 32)

	diffLabel := keyschedule.ExportSecret(suite, secrets.ExporterSecret, "label-b", []byte("ctx-a"), 32)
	require.False(t, bytes.Equal(base, diffLabel))

	diffContext := keyschedule.ExportSecret(suite, secrets.ExporterSecret, "label-a", []byte("ctx-b"), 32)
	require.False(t, bytes.Equal(base, diffContext))

	shorter := keyschedule.ExportSecret(suite, secrets.ExporterSecret, "label-a", []byte("ctx-a"), 16)
	require.False(t, bytes.Equal(base[:16], shorter))
}

func TestEraseZeroizesSecrets(t *testing.T) {
	suite := crypto.NewSuite1()
	zero := make([]byte, suite.HashSize())
	groupCtx := []byte("ctx")
	joinerSecret := keyschedule.DeriveJoinerSecret(suite, zero, zero, groupCtx)
	secrets := keyschedule.DeriveEpoch(suite, joinerSecret, nil, groupCtx)

	secrets.Erase()
	require.Equal(t, make([]byte, suite.HashSize()), secrets.EpochSecret)
	require.Equal(t, make([]byte, suite.HashSize()), secrets.ExporterSecret)
	require.Equal(t, make([]byte, suite.HashSize()), secrets.AuthenticationSecret)
}
