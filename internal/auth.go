package internal

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"roomchat/internal/storage"
)

// ErrInvalidToken covers malformed, forged, and expired access tokens, and
// tokens whose subject no longer resolves to a user.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the authenticated principal behind a verified token.
type Identity struct {
	UserID   int64
	Username string
}

// AuthGateway issues and verifies bearer tokens. Access tokens are signed
// JWTs with the username as subject; refresh tokens are opaque values
// persisted against the user with an expiry.
type AuthGateway struct {
	store      *storage.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewAuthGateway(store *storage.Store, secret []byte, accessTTL, refreshTTL time.Duration) *AuthGateway {
	return &AuthGateway{
		store:      store,
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Issue creates a signed access token for a username.
func (a *AuthGateway) Issue(username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(a.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify validates an access token and resolves the user it names.
func (a *AuthGateway) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	user, err := a.store.GetUserByUsername(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: user.ID, Username: user.Username}, nil
}

// IssueRefresh mints an opaque refresh token and stores it for the user,
// replacing any previous one.
func (a *AuthGateway) IssueRefresh(ctx context.Context, userID int64) (string, error) {
	token := uuid.NewString()
	if err := a.store.StoreRefreshToken(ctx, userID, token, time.Now().Add(a.refreshTTL)); err != nil {
		return "", err
	}
	return token, nil
}
