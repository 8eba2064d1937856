package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-minimum-32-characters-long")

type countingSource struct {
	secret []byte
	err    error
	calls  atomic.Int32
}

func (s *countingSource) FetchSecret(_ context.Context, _ string) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.secret, nil
}

func newTestAuthorizer(t *testing.T, src SecretSource) *Authorizer {
	t.Helper()
	ResetVerificationSecret()
	t.Cleanup(ResetVerificationSecret)
	return NewAuthorizer(src, "JWT_SECRET", nil)
}

func openRequest(header http.Header, query url.Values, body string) OpenRequest {
	if header == nil {
		header = http.Header{}
	}
	if query == nil {
		query = url.Values{}
	}
	return OpenRequest{ConnectionID: "conn-1", Header: header, Query: query, Body: []byte(body)}
}

func TestExtractToken_Priority(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer header-token")
	query := url.Values{"token": {"query-token"}}
	body := `{"token":"body-token"}`

	assert.Equal(t, "header-token", ExtractToken(openRequest(header, query, body)))
	assert.Equal(t, "query-token", ExtractToken(openRequest(nil, query, body)))
	assert.Equal(t, "body-token", ExtractToken(openRequest(nil, nil, body)))
}

func TestExtractToken_FromRealRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query-token-456", nil)
	got := ExtractToken(OpenRequest{Header: req.Header, Query: req.URL.Query()})
	assert.Equal(t, "query-token-456", got)
}

func TestExtractToken_Ignored(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, ExtractToken(openRequest(header, nil, "")))

	header.Set("Authorization", "Bearer    ")
	assert.Empty(t, ExtractToken(openRequest(header, nil, "not json")))
}

func TestAuthorize_MissingTokenEverywhere(t *testing.T) {
	src := &countingSource{secret: testSecret}
	a := newTestAuthorizer(t, src)

	d := a.Authorize(context.Background(), openRequest(nil, nil, `{"other":"field"}`))

	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusUnauthorized, d.Status)
	assert.Nil(t, d.Claims)
	assert.Zero(t, src.calls.Load(), "secret must not be fetched without a credential")
}

func TestAuthorize_ValidToken(t *testing.T) {
	src := &countingSource{secret: testSecret}
	a := newTestAuthorizer(t, src)

	tok, err := IssueToken(testSecret, "user-1", "student", time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	d := a.Authorize(context.Background(), openRequest(header, nil, ""))

	require.True(t, d.Allowed)
	assert.Equal(t, http.StatusOK, d.Status)
	assert.Equal(t, "user-1", d.Claims.Subject)
	assert.Equal(t, "student", d.Claims.Role)
	assert.NotEmpty(t, d.Claims.ID)
}

func TestAuthorize_SecretFetchedOnce(t *testing.T) {
	src := &countingSource{secret: testSecret}
	a := newTestAuthorizer(t, src)

	tok, err := IssueToken(testSecret, "user-1", "student", time.Hour)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d := a.Authorize(context.Background(), openRequest(nil, url.Values{"token": {tok}}, ""))
		require.True(t, d.Allowed)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestAuthorize_FailedFetchNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("secret store unavailable")}
	a := newTestAuthorizer(t, src)

	tok, err := IssueToken(testSecret, "user-1", "student", time.Hour)
	require.NoError(t, err)
	req := openRequest(nil, url.Values{"token": {tok}}, "")

	assert.False(t, a.Authorize(context.Background(), req).Allowed)

	src.err = nil
	src.secret = testSecret
	assert.True(t, a.Authorize(context.Background(), req).Allowed)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestAuthorize_RejectsBadTokens(t *testing.T) {
	src := &countingSource{secret: testSecret}
	a := newTestAuthorizer(t, src)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredTok, err := expired.SignedString(testSecret)
	require.NoError(t, err)

	wrongKey, err := IssueToken([]byte("some-other-secret-that-is-long-enough"), "user-1", "student", time.Hour)
	require.NoError(t, err)

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	})
	noExpiryTok, err := noExpiry.SignedString(testSecret)
	require.NoError(t, err)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	hs512Tok, err := hs512.SignedString(testSecret)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":   expiredTok,
		"wrong key": wrongKey,
		"malformed": "not.a.jwt",
		"no expiry": noExpiryTok,
		"hs512":     hs512Tok,
	} {
		t.Run(name, func(t *testing.T) {
			d := a.Authorize(context.Background(), openRequest(nil, nil, `{"token":"`+tok+`"}`))
			assert.False(t, d.Allowed)
			assert.Equal(t, http.StatusUnauthorized, d.Status)
		})
	}
}

func TestValidateToken_ExpiredIsClassified(t *testing.T) {
	tok, err := IssueToken(testSecret, "user-1", "student", time.Hour)
	require.NoError(t, err)
	_, err = ValidateToken(testSecret, tok)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	})
	expiredTok, err := expired.SignedString(testSecret)
	require.NoError(t, err)

	_, err = ValidateToken(testSecret, expiredTok)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = ValidateToken(testSecret, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(testSecret)
	require.NoError(t, err)
	_, err = ValidateToken(testSecret, hs384)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSecretSources(t *testing.T) {
	t.Setenv("COMPANION_TEST_SECRET", "from-env")
	got, err := EnvSecretSource{}.FetchSecret(context.Background(), "COMPANION_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), got)

	_, err = EnvSecretSource{}.FetchSecret(context.Background(), "COMPANION_TEST_SECRET_MISSING")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	got, err = FileSecretSource{}.FetchSecret(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-file"), got)

	_, err = NewSecretSource("vault")
	assert.Error(t, err)
}
