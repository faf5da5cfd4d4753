package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/compliant-audit-pipeline/internal/crypto"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/audit"
	"github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

func hashOnlySealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	sealer, err := crypto.NewSealer(crypto.ModeLocal, nil)
	require.NoError(t, err)
	return sealer
}

func signingSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	ring, err := crypto.SingleKeyring("k1", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	signer, err := crypto.NewHMACSigner(ring)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(crypto.ModeLocal, signer)
	require.NoError(t, err)
	return sealer
}

func sealedSubjectEvent(t *testing.T, sealer *crypto.Sealer, sign bool) *audit.Event {
	t.Helper()
	ev := audit.New("security.permission.granted", audit.StatusSuccess)
	ev.PrincipalID = "user-42"
	ev.OrganizationID = "org-1"
	require.NoError(t, sealer.Seal(context.Background(), ev, sign, sign))
	return ev
}

func TestResealRestoresHashAfterPrincipalRewrite(t *testing.T) {
	sealer := hashOnlySealer(t)
	repo := NewEventRepository(nil, sealer, zaptest.NewLogger(t))
	ctx := context.Background()

	ev := sealedSubjectEvent(t, sealer, false)
	originalHash := ev.Hash

	ev.PrincipalID = "pseudo-45c9aff27dc7972a"
	require.False(t, sealer.VerifyHash(ev, ev.Hash),
		"the principal is part of the seal, so the rewrite alone must break it")

	require.NoError(t, repo.reseal(ctx, ev))
	assert.True(t, sealer.VerifyHash(ev, ev.Hash))
	assert.NotEqual(t, originalHash, ev.Hash)
}

func TestResealReSignsSignedRows(t *testing.T) {
	sealer := signingSealer(t)
	repo := NewEventRepository(nil, sealer, zaptest.NewLogger(t))
	ctx := context.Background()

	ev := sealedSubjectEvent(t, sealer, true)
	originalSig := ev.Signature

	ev.PrincipalID = "pseudo-45c9aff27dc7972a"
	require.NoError(t, repo.reseal(ctx, ev))

	assert.True(t, sealer.VerifyHash(ev, ev.Hash))
	assert.NotEqual(t, originalSig, ev.Signature)
	ok, err := sealer.VerifySignature(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResealRefusesSignedRowWithoutSigner(t *testing.T) {
	signing := signingSealer(t)
	repo := NewEventRepository(nil, hashOnlySealer(t), zaptest.NewLogger(t))
	ctx := context.Background()

	ev := sealedSubjectEvent(t, signing, true)
	ev.PrincipalID = "pseudo-45c9aff27dc7972a"

	err := repo.reseal(ctx, ev)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestResealSkipsUnsealedRows(t *testing.T) {
	repo := NewEventRepository(nil, nil, zaptest.NewLogger(t))

	ev := audit.New("data.read", audit.StatusSuccess)
	ev.PrincipalID = "pseudo-45c9aff27dc7972a"
	require.NoError(t, repo.reseal(context.Background(), ev))
	assert.Empty(t, ev.Hash)
}
