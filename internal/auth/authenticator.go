package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mossy-p/telehealth-signaling/internal/models"
)

var (
	// ErrNoCredential means the connection attempt carried no usable
	// credential at the point it was needed.
	ErrNoCredential = errors.New("no credential")
	// ErrInvalidCredential means both the access and refresh credentials
	// failed verification.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrBlocked means the credential resolved to a blocked user.
	ErrBlocked = errors.New("user blocked")
)

// Blocklist answers whether a resolved user may connect at all.
type Blocklist interface {
	IsBlocked(ctx context.Context, userID string) (bool, error)
}

// Claims are the JWT claims shared by access and refresh tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator resolves connection credentials to an identity. The access
// token is tried first; a valid refresh token keeps a long-lived connection
// alive past access-token expiry without forcing a re-login.
type Authenticator struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blocklist  Blocklist
}

// New creates an Authenticator. blocklist may be nil, in which case no
// block check is performed.
func New(secret string, accessTTL, refreshTTL time.Duration, blocklist Blocklist) *Authenticator {
	return &Authenticator{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blocklist:  blocklist,
	}
}

// Authenticate resolves the credential pair carried by a connection attempt.
// Any returned error means the connection must be rejected before admission.
func (a *Authenticator) Authenticate(ctx context.Context, accessToken, refreshToken string) (models.Identity, error) {
	if accessToken == "" {
		return models.Identity{}, ErrNoCredential
	}

	if id, err := a.verify(accessToken); err == nil {
		return a.admit(ctx, id)
	}

	// Access token failed, typically expiry. Fall back to the refresh token.
	if refreshToken == "" {
		return models.Identity{}, ErrNoCredential
	}
	id, err := a.verify(refreshToken)
	if err != nil {
		return models.Identity{}, ErrInvalidCredential
	}
	return a.admit(ctx, id)
}

func (a *Authenticator) admit(ctx context.Context, id models.Identity) (models.Identity, error) {
	if a.blocklist == nil {
		return id, nil
	}
	blocked, err := a.blocklist.IsBlocked(ctx, id.UserID)
	if err != nil {
		return models.Identity{}, fmt.Errorf("block list lookup: %w", err)
	}
	if blocked {
		return models.Identity{}, ErrBlocked
	}
	return id, nil
}

func (a *Authenticator) verify(tokenString string) (models.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return models.Identity{}, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Identity{}, ErrInvalidCredential
	}
	return models.Identity{UserID: claims.UserID, Role: models.Role(claims.Role)}, nil
}

// MintAccessToken issues a short-lived access token for an identity.
func (a *Authenticator) MintAccessToken(id models.Identity) (string, error) {
	return a.mint(id, a.accessTTL)
}

// MintRefreshToken issues a long-lived refresh token for an identity.
func (a *Authenticator) MintRefreshToken(id models.Identity) (string, error) {
	return a.mint(id, a.refreshTTL)
}

func (a *Authenticator) mint(id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
