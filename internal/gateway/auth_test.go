package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soyeahso/companion/internal/config"
	"github.com/stretchr/testify/assert"
)

// --- safeEqual tests ---

func TestSafeEqual(t *testing.T) {
	assert.True(t, safeEqual("secret", "secret"))
	assert.True(t, safeEqual("", ""))
	assert.False(t, safeEqual("secret", "wrong"))
	assert.False(t, safeEqual("short", "longer-string"))
	assert.False(t, safeEqual("secret", ""))
	assert.False(t, safeEqual("", "secret"))
}

// --- ResolveToken tests ---

func TestResolveToken_ConfigWins(t *testing.T) {
	t.Setenv(TokenEnv, "env-token")
	assert.Equal(t, "config-token", ResolveToken(config.GatewayAuth{Token: "config-token"}))
}

func TestResolveToken_FromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "env-token")
	assert.Equal(t, "env-token", ResolveToken(config.GatewayAuth{}))
}

func TestResolveToken_Empty(t *testing.T) {
	t.Setenv(TokenEnv, "")
	assert.Empty(t, ResolveToken(config.GatewayAuth{}))
}

// --- Authorize tests ---

func TestAuthorize(t *testing.T) {
	assert.True(t, Authorize("", "").OK, "no server token disables auth")
	assert.True(t, Authorize("tok", "tok").OK)

	res := Authorize("tok", "")
	assert.False(t, res.OK)
	assert.Equal(t, "token required", res.Reason)

	res = Authorize("tok", "other")
	assert.False(t, res.OK)
	assert.Equal(t, "token_mismatch", res.Reason)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(r))

	r.Header.Set("Authorization", "bearer  abc ")
	assert.Equal(t, "abc", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(r))
}

// --- rate limiter tests ---

func TestAuthRateLimiter(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	l := newAuthRateLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < authRateMaxFails; i++ {
		assert.True(t, l.allow("10.0.0.1:5555"), "attempt %d", i)
		l.recordFailure("10.0.0.1:6666")
	}
	assert.False(t, l.allow("10.0.0.1:7777"), "same host, any port")
	assert.True(t, l.allow("10.0.0.2:5555"))

	now = now.Add(authRateWindow + time.Second)
	assert.True(t, l.allow("10.0.0.1:5555"), "window expired")
}

func TestRequireToken_RateLimits(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < authRateMaxFails; i++ {
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/reminders", nil)
		req.Header.Set("Authorization", "Bearer bad")
		resp, err := http.DefaultClient.Do(req)
		if assert.NoError(t, err) {
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		}
	}

	resp, _ := f.do(t, http.MethodGet, "/api/reminders", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "even a good token is refused while limited")
}
