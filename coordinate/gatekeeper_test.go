package coordinate

import (
	"context"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func testProvider(t *testing.T) *JwtIdentityProvider {
	provider, err := NewJwtIdentityProvider([]byte("test-signing-key"))
	assert.Equal(t, err, nil)
	return provider
}

func authReason(err error) string {
	if authErr, ok := err.(*AuthenticationError); ok {
		return authErr.Reason
	}
	return ""
}

func TestAuthenticateOk(t *testing.T) {
	ctx := context.Background()
	provider := testProvider(t)
	gatekeeper := NewGatekeeperWithDefaults(provider)

	token, err := provider.MintToken(&Identity{
		UserId:      "user-a",
		DisplayName: "Ada",
		AvatarRef:   "avatars/ada.png",
	}, time.Hour)
	assert.Equal(t, err, nil)

	identity, err := gatekeeper.Authenticate(ctx, token)
	assert.Equal(t, err, nil)
	assert.Equal(t, identity.UserId, "user-a")
	assert.Equal(t, identity.DisplayName, "Ada")
	assert.Equal(t, identity.AvatarRef, "avatars/ada.png")
}

func TestAuthenticateMissingCredential(t *testing.T) {
	ctx := context.Background()
	gatekeeper := NewGatekeeperWithDefaults(testProvider(t))

	identity, err := gatekeeper.Authenticate(ctx, "")
	assert.Equal(t, identity, nil)
	assert.Equal(t, authReason(err), AuthReasonInvalidToken)
}

func TestAuthenticateExpired(t *testing.T) {
	ctx := context.Background()
	provider := testProvider(t)
	gatekeeper := NewGatekeeperWithDefaults(provider)

	token, err := provider.MintToken(&Identity{UserId: "user-a"}, -time.Minute)
	assert.Equal(t, err, nil)

	_, err = gatekeeper.Authenticate(ctx, token)
	assert.Equal(t, authReason(err), AuthReasonTokenExpired)
}

func TestAuthenticateWrongKey(t *testing.T) {
	ctx := context.Background()
	other, err := NewJwtIdentityProvider([]byte("other-signing-key"))
	assert.Equal(t, err, nil)
	gatekeeper := NewGatekeeperWithDefaults(testProvider(t))

	token, err := other.MintToken(&Identity{UserId: "user-a"}, time.Hour)
	assert.Equal(t, err, nil)

	_, err = gatekeeper.Authenticate(ctx, token)
	assert.Equal(t, authReason(err), AuthReasonInvalidToken)
}

func TestAuthenticateMalformed(t *testing.T) {
	ctx := context.Background()
	gatekeeper := NewGatekeeperWithDefaults(testProvider(t))

	_, err := gatekeeper.Authenticate(ctx, "not-a-token")
	assert.Equal(t, authReason(err), AuthReasonInvalidToken)
}

func TestAuthenticateRevoked(t *testing.T) {
	ctx := context.Background()
	provider := testProvider(t)
	gatekeeper := NewGatekeeperWithDefaults(provider)

	token, err := provider.MintToken(&Identity{UserId: "user-a"}, time.Hour)
	assert.Equal(t, err, nil)

	// pull the token id without re-verifying
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	assert.Equal(t, err, nil)
	tokenId, ok := parsed.Claims.(gojwt.MapClaims)[jwtClaimTokenId].(string)
	assert.Equal(t, ok, true)

	_, err = gatekeeper.Authenticate(ctx, token)
	assert.Equal(t, err, nil)

	provider.Revoke(tokenId)
	_, err = gatekeeper.Authenticate(ctx, token)
	assert.Equal(t, authReason(err), AuthReasonTokenRevoked)
}

func TestAuthenticateMissingSubject(t *testing.T) {
	ctx := context.Background()
	provider := testProvider(t)
	gatekeeper := NewGatekeeperWithDefaults(provider)

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	assert.Equal(t, err, nil)

	_, err = gatekeeper.Authenticate(ctx, signed)
	assert.Equal(t, authReason(err), AuthReasonUserNotFound)
}
