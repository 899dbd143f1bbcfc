package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func mustProxies(t *testing.T, entries ...string) Proxies {
	t.Helper()
	p, err := ParseProxies(entries)
	require.NoError(t, err)
	return p
}

func TestClientIP_UntrustedPeerIgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:4000"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.Header.Set("X-Real-Ip", "9.10.11.12")
	assert.Equal(t, "198.51.100.9", Proxies{}.ClientIP(req))
	assert.Equal(t, "198.51.100.9", mustProxies(t, "10.0.0.0/8").ClientIP(req))
}

func TestClientIP_TrustedProxy_XForwardedFor(t *testing.T) {
	p := mustProxies(t, "10.0.0.0/8", "192.0.2.1")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	req.Header.Set("X-Forwarded-For", "6.6.6.6, 1.2.3.4, 192.0.2.1")
	assert.Equal(t, "1.2.3.4", p.ClientIP(req), "the nearest untrusted hop wins over a spoofed first hop")
}

func TestClientIP_TrustedProxy_OnlyTrustedHops(t *testing.T) {
	p := mustProxies(t, "10.0.0.0/8")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	req.Header.Set("X-Forwarded-For", "10.9.9.9, 10.8.8.8")
	assert.Equal(t, "10.9.9.9", p.ClientIP(req))
}

func TestClientIP_TrustedProxy_XRealIP(t *testing.T) {
	p := mustProxies(t, "10.1.2.3")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4000"
	req.Header.Set("X-Real-Ip", "9.10.11.12")
	assert.Equal(t, "9.10.11.12", p.ClientIP(req))

	req.Header.Set("X-Real-Ip", "not-an-ip")
	assert.Equal(t, "10.1.2.3", p.ClientIP(req))
}

func TestParseProxies_Invalid(t *testing.T) {
	_, err := ParseProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestClientAddress_WithoutRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	assert.Equal(t, "192.168.1.1", ClientAddress(req))
}

func TestLimit_RejectsAfterBurst(t *testing.T) {
	defer goleak.VerifyNone(t)
	rl := NewRateLimiter(rate.Limit(0.001), 2)
	defer rl.Stop()
	h := RealIP(mustProxies(t, "10.0.0.1"))(rl.Limit(http.HandlerFunc(okHandler)))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		req.Header.Set("X-Forwarded-For", "7.7.7.7")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// A different client behind the same proxy has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	req.Header.Set("X-Forwarded-For", "8.8.8.8")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLimit_RotatingForwardedForDoesNotResetBucket(t *testing.T) {
	defer goleak.VerifyNone(t)
	rl := NewRateLimiter(rate.Limit(0.001), 1)
	defer rl.Stop()
	h := RealIP(Proxies{})(rl.Limit(http.HandlerFunc(okHandler)))

	codes := make([]int, 0, 3)
	for _, spoofed := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "203.0.113.50:4000"
		req.Header.Set("X-Forwarded-For", spoofed)
		req.Header.Set("X-Real-Ip", spoofed)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}
