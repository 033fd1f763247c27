package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"realmnet/protocol"
)

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc.def")
	require.NoError(t, err)
	require.Equal(t, "abc.def", tok)

	for _, bad := range []string{"", "Bearer", "Bearer   ", "Basic abc", "abc"} {
		_, err := BearerToken(bad)
		require.ErrorIs(t, err, ErrUnauthorized, bad)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	a, err := NewJWTAuthenticator("secret")
	require.NoError(t, err)

	tok, err := a.IssueToken("acct-1", time.Minute)
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, "acct-1", id.AccountUUID)
}

func TestJWTRejectsForeignAndExpiredTokens(t *testing.T) {
	a, err := NewJWTAuthenticator("secret")
	require.NoError(t, err)
	other, err := NewJWTAuthenticator("other")
	require.NoError(t, err)

	foreign, err := other.IssueToken("acct-1", time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), foreign)
	require.ErrorIs(t, err, ErrUnauthorized)

	expired, err := a.IssueToken("acct-1", -time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), expired)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Authenticate(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestPseudoAuthenticator(t *testing.T) {
	id, err := PseudoAuthenticator{}.Authenticate(context.Background(), "Foss")
	require.NoError(t, err)
	require.Equal(t, protocol.PseudoUUID("Foss"), id.AccountUUID)

	_, err = PseudoAuthenticator{}.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)
}
