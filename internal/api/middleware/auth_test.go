package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaus/dispatchq/internal/config"
)

func testAuth() *Authenticator {
	return NewAuthenticator(nil, &config.AuthConfig{
		SecretKey:             "test-secret",
		JWTAlgorithm:          "HS256",
		AccessTokenExpireDays: 90,
	})
}

func TestCreateToken(t *testing.T) {
	a := testAuth()

	token, err := a.CreateToken("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tk *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "user-1", claims.Subject)
	assert.NotNil(t, claims.ExpiresAt)
}

func TestResolve_NoCookie(t *testing.T) {
	a := testAuth()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := a.Resolve(r)
	assert.Equal(t, ErrUnauthenticated, err)
}

func TestResolve_GarbageToken(t *testing.T) {
	a := testAuth()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: "not-a-jwt"})

	_, err := a.Resolve(r)
	assert.Equal(t, ErrUnauthenticated, err)
}

func TestResolve_WrongSignature(t *testing.T) {
	other := NewAuthenticator(nil, &config.AuthConfig{
		SecretKey:             "other-secret",
		JWTAlgorithm:          "HS256",
		AccessTokenExpireDays: 90,
	})
	token, err := other.CreateToken("user-1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: token})

	_, err = testAuth().Resolve(r)
	assert.Equal(t, ErrUnauthenticated, err)
}

func TestRequireUser_Unauthenticated(t *testing.T) {
	a := testAuth()

	handler := a.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a session")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/enqueue", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserContext(t *testing.T) {
	ctx := WithUser(context.Background(), "user-1")
	assert.Equal(t, "user-1", UserID(ctx))
	assert.Equal(t, "", UserID(context.Background()))
}

func TestSetCookie(t *testing.T) {
	a := testAuth()

	w := httptest.NewRecorder()
	a.SetCookie(w, "token-value")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, "access_token", cookie.Name)
	assert.Equal(t, "token-value", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, 90*24*3600, cookie.MaxAge)
}
