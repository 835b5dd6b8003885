package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kmaus/dispatchq/internal/config"
)

type contextKey string

const userContextKey contextKey = "user_id"

const tokenCookie = "access_token"

// Auth failures at the API boundary.
var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrRevoked         = errors.New("token invalid or revoked")
)

// Claims carries the user id in the JWT subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates the signed cookie bearer and its store mirror.
// A valid signature alone is not enough: the token:{jwt} key must still
// map to the same user, which is how logout/revocation works.
type Authenticator struct {
	client *redis.Client
	cfg    *config.AuthConfig
}

func NewAuthenticator(client *redis.Client, cfg *config.AuthConfig) *Authenticator {
	return &Authenticator{client: client, cfg: cfg}
}

func (a *Authenticator) tokenTTL() time.Duration {
	return time.Duration(a.cfg.AccessTokenExpireDays) * 24 * time.Hour
}

// CreateToken signs a fresh bearer for the user.
func (a *Authenticator) CreateToken(userID string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.tokenTTL())),
		},
	}
	token := jwt.NewWithClaims(jwt.GetSigningMethod(a.cfg.JWTAlgorithm), claims)
	return token.SignedString([]byte(a.cfg.SecretKey))
}

// StoreNewToken mints a guest user and its token, mirroring the pair in
// the store.
func (a *Authenticator) StoreNewToken(ctx context.Context) (token, userID string, err error) {
	userID = uuid.New().String()
	token, err = a.CreateToken(userID)
	if err != nil {
		return "", "", err
	}
	if err := a.client.SetEx(ctx, "token:"+token, userID, a.tokenTTL()).Err(); err != nil {
		return "", "", err
	}
	return token, userID, nil
}

// Resolve verifies the bearer from the request cookie and returns the
// authenticated user id.
func (a *Authenticator) Resolve(r *http.Request) (string, error) {
	cookie, err := r.Cookie(tokenCookie)
	if err != nil || cookie.Value == "" {
		return "", ErrUnauthenticated
	}
	return a.resolveToken(r.Context(), cookie.Value)
}

func (a *Authenticator) resolveToken(ctx context.Context, token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.SecretKey), nil
	}, jwt.WithValidMethods([]string{a.cfg.JWTAlgorithm}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrUnauthenticated
	}

	stored, err := a.client.Get(ctx, "token:"+token).Result()
	if err == redis.Nil || stored != claims.Subject {
		return "", ErrRevoked
	}
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Renew slides the store-side TTL of a still-valid token. Returns the
// resolved user id.
func (a *Authenticator) Renew(ctx context.Context, token string) (string, error) {
	userID, err := a.resolveToken(ctx, token)
	if err != nil {
		return "", err
	}
	if err := a.client.Expire(ctx, "token:"+token, a.tokenTTL()).Err(); err != nil {
		return "", err
	}
	return userID, nil
}

// SetCookie writes the HTTP-only session cookie.
func (a *Authenticator) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(a.tokenTTL() / time.Second),
		Path:     "/",
	})
}

// RequireUser rejects requests without a valid session and stores the
// user id in the request context.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Resolve(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RefreshToken slides the token TTL on every request carrying a valid
// cookie; invalid tokens pass through untouched.
func (a *Authenticator) RefreshToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(tokenCookie); err == nil && cookie.Value != "" {
			_, _ = a.Renew(r.Context(), cookie.Value)
		}
		next.ServeHTTP(w, r)
	})
}

// UserID extracts the authenticated user from the context; empty when
// the request skipped RequireUser.
func UserID(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey).(string)
	return userID
}

// WithUser injects a user id into the context; exported for handler
// tests.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}
