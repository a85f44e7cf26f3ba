package jwt_test

import (
	"context"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/identity/jwt"
)

var secret = []byte("test-secret")

func TestAuthenticate(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	v := jwt.New(secret, jwt.WithIssuer("quotaledger"), jwt.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	token, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	uid, err := v.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	uid, err = v.Authenticate(ctx, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
}

func TestAuthenticate_Failures(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	v := jwt.New(secret, jwt.WithIssuer("quotaledger"), jwt.WithClock(clock))
	ctx := context.Background()

	_, err := v.Authenticate(ctx, "")
	require.ErrorIs(t, err, quotaledger.ErrUnauthorized)
	_, err = v.Authenticate(ctx, "Bearer ")
	require.ErrorIs(t, err, quotaledger.ErrUnauthorized)

	_, err = v.Authenticate(ctx, "not-a-token")
	require.ErrorIs(t, err, quotaledger.ErrInvalidCredential)

	other := jwt.New([]byte("other-secret"), jwt.WithIssuer("quotaledger"), jwt.WithClock(clock))
	forged, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, forged)
	require.ErrorIs(t, err, quotaledger.ErrInvalidCredential)

	wrongIssuer, err := jwt.New(secret, jwt.WithIssuer("someone-else"), jwt.WithClock(clock)).Issue("alice", time.Hour)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, wrongIssuer)
	require.ErrorIs(t, err, quotaledger.ErrInvalidCredential)

	expired, err := jwt.New(secret, jwt.WithIssuer("quotaledger"),
		jwt.WithClock(func() time.Time { return now.Add(-2 * time.Hour) })).Issue("alice", time.Hour)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, expired)
	require.ErrorIs(t, err, quotaledger.ErrInvalidCredential)
	assert.Equal(t, "invalid_auth", quotaledger.Code(err))
}

func TestAuthenticate_RejectsOtherAlgorithmsAndMissingClaims(t *testing.T) {
	now := time.Now()
	v := jwt.New(secret)
	ctx := context.Background()

	none, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: gojwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, none)
	require.ErrorIs(t, err, quotaledger.ErrInvalidCredential)

	noExp, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{Subject: "alice"}).SignedString(secret)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, noExp)
	require.ErrorIs(t, err, quotaledger.ErrInvalidCredential)

	noSub, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{
		ExpiresAt: gojwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, noSub)
	require.ErrorIs(t, err, quotaledger.ErrInvalidCredential)
}
