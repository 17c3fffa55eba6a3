package coordinate

import (
	"context"
	"errors"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"
)

// verifies bearer credentials and resolves a user profile
type IdentityProvider interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

type GatekeeperSettings struct {
	VerifyTimeout time.Duration
}

func DefaultGatekeeperSettings() *GatekeeperSettings {
	return &GatekeeperSettings{
		VerifyTimeout: 5 * time.Second,
	}
}

// admits a connection only after the identity provider resolves the credential.
// failure here terminates the connection setup.
type Gatekeeper struct {
	provider IdentityProvider

	settings *GatekeeperSettings
}

func NewGatekeeperWithDefaults(provider IdentityProvider) *Gatekeeper {
	return NewGatekeeper(provider, DefaultGatekeeperSettings())
}

func NewGatekeeper(provider IdentityProvider, settings *GatekeeperSettings) *Gatekeeper {
	return &Gatekeeper{
		provider: provider,
		settings: settings,
	}
}

func (self *Gatekeeper) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, NewAuthenticationError(AuthReasonInvalidToken, "missing credential")
	}

	verifyCtx, verifyCancel := context.WithTimeout(ctx, self.settings.VerifyTimeout)
	defer verifyCancel()

	identity, err := self.provider.VerifyToken(verifyCtx, credential)
	if err != nil {
		var authErr *AuthenticationError
		if !errors.As(err, &authErr) {
			authErr = NewAuthenticationError(AuthReasonFailed, "%s", err)
		}
		glog.Infof("[gk]reject = %s\n", authErr)
		return nil, authErr
	}
	glog.V(2).Infof("[gk]admit %s\n", identity.UserId)
	return identity, nil
}

// claim names in the signed tokens
const (
	jwtClaimUserId      = "sub"
	jwtClaimDisplayName = "name"
	jwtClaimAvatarRef   = "avatar_ref"
	jwtClaimTokenId     = "jti"
)

// verifies hmac-signed tokens locally.
// revocation is tracked by token id for the life of the process.
type JwtIdentityProvider struct {
	signingKey []byte

	mutex           sync.Mutex
	revokedTokenIds map[string]bool
}

func NewJwtIdentityProvider(signingKey []byte) (*JwtIdentityProvider, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("signing key required")
	}
	return &JwtIdentityProvider{
		signingKey:      signingKey,
		revokedTokenIds: map[string]bool{},
	}, nil
}

func (self *JwtIdentityProvider) Revoke(tokenId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.revokedTokenIds[tokenId] = true
}

func (self *JwtIdentityProvider) revoked(tokenId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.revokedTokenIds[tokenId]
}

func (self *JwtIdentityProvider) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return self.signingKey, nil
		},
	)
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return nil, NewAuthenticationError(AuthReasonTokenExpired, "token expired")
		}
		return nil, NewAuthenticationError(AuthReasonInvalidToken, "%s", err)
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, NewAuthenticationError(AuthReasonInvalidToken, "bad claims")
	}

	if tokenId, ok := claims[jwtClaimTokenId].(string); ok && self.revoked(tokenId) {
		return nil, NewAuthenticationError(AuthReasonTokenRevoked, "token revoked")
	}

	userId, ok := claims[jwtClaimUserId].(string)
	if !ok || userId == "" {
		return nil, NewAuthenticationError(AuthReasonUserNotFound, "no user for token")
	}

	identity := &Identity{
		UserId: userId,
	}
	if displayName, ok := claims[jwtClaimDisplayName].(string); ok {
		identity.DisplayName = displayName
	}
	if avatarRef, ok := claims[jwtClaimAvatarRef].(string); ok {
		identity.AvatarRef = avatarRef
	}
	return identity, nil
}

// mints a token the provider will accept. used by coordinatectl and tests.
func (self *JwtIdentityProvider) MintToken(identity *Identity, expires time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		jwtClaimUserId:  identity.UserId,
		jwtClaimTokenId: NewId().String(),
		"iat":           time.Now().Unix(),
		"exp":           time.Now().Add(expires).Unix(),
	}
	if identity.DisplayName != "" {
		claims[jwtClaimDisplayName] = identity.DisplayName
	}
	if identity.AvatarRef != "" {
		claims[jwtClaimAvatarRef] = identity.AvatarRef
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.signingKey)
}
