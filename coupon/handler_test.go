package coupon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coupon-gateway/coupon/application"
	"coupon-gateway/coupon/domain"
	"coupon-gateway/coupon/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

type testAPI struct {
	h     http.Handler
	clock *testClock
	store *infra.MemoryCounterStore
}

func newTestAPI(t *testing.T, opts application.Options) *testAPI {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := infra.NewMemoryCounterStore(infra.WithClock(clock.Now))
	codec, err := infra.NewJWTCodec("test-secret", "coupond-test")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	opts.Events = infra.NewPrometheusRecorder(reg)
	opts.Now = clock.Now
	svc, err := application.NewService(store, codec, opts)
	require.NoError(t, err)

	h := NewHandler(HandlerOptions{Service: svc, Gatherer: reg, Now: clock.Now})
	return &testAPI{h: h, clock: clock, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, "http://coupond"+path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, "http://coupond"+path, nil)
	}
	if owner != "" {
		r.Header.Set(DefaultOwnerHeader, owner)
	}
	w := httptest.NewRecorder()
	a.h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func tokenBody(token string) string { return fmt.Sprintf(`{"token":%q}`, token) }

func TestHandler_GenerateRequiresOwner(t *testing.T) {
	api := newTestAPI(t, application.Options{})

	w := api.do(t, http.MethodPost, "/coupons/generate", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_owner", decode[errorBody](t, w).Error)
}

func TestHandler_GenerateValidateUse(t *testing.T) {
	api := newTestAPI(t, application.Options{})

	w := api.do(t, http.MethodPost, "/coupons/generate", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	gen := decode[generateResponse](t, w)
	assert.NotEmpty(t, gen.Token)
	assert.Equal(t, int64(1), gen.TokenNumber)
	assert.Equal(t, int64(76), gen.RemainingTokens)
	assert.Equal(t, "alice", gen.UserID)
	assert.True(t, api.clock.now.Add(24*time.Hour).Equal(gen.ExpiresAt))

	w = api.do(t, http.MethodPost, "/coupons/validate", "", tokenBody(gen.Token))
	require.Equal(t, http.StatusOK, w.Code)
	val := decode[validateResponse](t, w)
	assert.True(t, val.Valid)
	assert.Equal(t, "ok", val.Reason)
	assert.Equal(t, int64(1), val.TokenNumber)

	w = api.do(t, http.MethodPost, "/coupons/use", "", tokenBody(gen.Token))
	require.Equal(t, http.StatusOK, w.Code)
	used := decode[useResponse](t, w)
	assert.Equal(t, "alice", used.UserID)
	assert.Equal(t, int64(1), used.TokenNumber)

	w = api.do(t, http.MethodPost, "/coupons/use", "", tokenBody(gen.Token))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_used", decode[errorBody](t, w).Error)

	w = api.do(t, http.MethodPost, "/coupons/validate", "", tokenBody(gen.Token))
	require.Equal(t, http.StatusOK, w.Code)
	val = decode[validateResponse](t, w)
	assert.False(t, val.Valid)
	assert.Equal(t, "already_used", val.Reason)
}

func TestHandler_QuotaExceeded(t *testing.T) {
	api := newTestAPI(t, application.Options{GlobalLimit: 2, OwnerLimit: 1})

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/coupons/generate", "alice", "").Code)

	w := api.do(t, http.MethodPost, "/coupons/generate", "alice", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, errorBody{
		Error:   "owner_quota_exceeded",
		Message: "owner quota exceeded: 1 of 1 issued",
		Current: 1,
		Limit:   1,
	}, decode[errorBody](t, w))

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/coupons/generate", "bob", "").Code)

	w = api.do(t, http.MethodPost, "/coupons/generate", "carol", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decode[errorBody](t, w)
	assert.Equal(t, "global_quota_exceeded", body.Error)
	assert.Equal(t, "global quota exceeded: 2 of 2 issued", body.Message)
	assert.Equal(t, int64(2), body.Current)
	assert.Equal(t, int64(2), body.Limit)
}

func TestHandler_UseRejectsBadInput(t *testing.T) {
	api := newTestAPI(t, application.Options{})

	for _, body := range []string{"", "{", `{"token":""}`, `["x"]`} {
		w := api.do(t, http.MethodPost, "/coupons/use", "", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		assert.Equal(t, "invalid_request", decode[errorBody](t, w).Error)
	}

	w := api.do(t, http.MethodPost, "/coupons/use", "", tokenBody("garbage"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_token", decode[errorBody](t, w).Error)
}

func TestHandler_UseExpiredToken(t *testing.T) {
	api := newTestAPI(t, application.Options{TokenTTL: time.Hour})

	gen := decode[generateResponse](t, api.do(t, http.MethodPost, "/coupons/generate", "alice", ""))
	api.clock.now = api.clock.now.Add(2 * time.Hour)

	w := api.do(t, http.MethodPost, "/coupons/use", "", tokenBody(gen.Token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "expired_token", decode[errorBody](t, w).Error)

	w = api.do(t, http.MethodPost, "/coupons/validate", "", tokenBody(gen.Token))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "expired", decode[validateResponse](t, w).Reason)
}

func TestHandler_Stats(t *testing.T) {
	api := newTestAPI(t, application.Options{})
	for _, owner := range []string{"alice", "alice", "bob"} {
		require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/coupons/generate", owner, "").Code)
	}

	w := api.do(t, http.MethodGet, "/coupons/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[statsResponse](t, w)
	assert.Equal(t, int64(3), st.TokensIssued)
	assert.Equal(t, int64(74), st.TokensRemaining)
	assert.Equal(t, int64(77), st.MaxTokens)
	assert.Equal(t, int64(5), st.MaxTokensPerUser)
	assert.False(t, st.LimitReached)

	w = api.do(t, http.MethodGet, "/coupons/user-stats", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	us := decode[userStatsResponse](t, w)
	assert.Equal(t, "alice", us.UserID)
	assert.Equal(t, int64(2), us.UserTokensIssued)
	assert.Equal(t, int64(3), us.UserTokensRemaining)

	w = api.do(t, http.MethodGet, "/coupons/user-stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, application.Options{})
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/coupons/generate", "alice", "").Code)

	w := api.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[healthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.StoreConnected)

	w = api.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coupon_tokens_issued_total 1")
}

func TestHandler_RejectsWrongMethod(t *testing.T) {
	api := newTestAPI(t, application.Options{})
	w := api.do(t, http.MethodGet, "/coupons/generate", "alice", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// brokenService simula o store fora do ar ou contenção esgotada.
type brokenService struct{ err error }

func (s brokenService) IssueToken(context.Context, string) (application.Issued, error) {
	return application.Issued{}, s.err
}
func (s brokenService) RedeemToken(context.Context, string) (application.Redemption, error) {
	return application.Redemption{}, s.err
}
func (s brokenService) ValidateToken(context.Context, string) (application.Validation, error) {
	return application.Validation{}, s.err
}
func (s brokenService) Stats(context.Context) (application.Stats, error) {
	return application.Stats{}, s.err
}
func (s brokenService) OwnerStats(context.Context, string) (application.OwnerStats, error) {
	return application.OwnerStats{}, s.err
}
func (s brokenService) Ping(context.Context) error { return s.err }

func TestHandler_StoreFailuresAreServiceUnavailable(t *testing.T) {
	cases := map[string]struct {
		err  error
		code string
	}{
		"store":      {err: fmt.Errorf("%w: get: connection refused", domain.ErrStoreUnavailable), code: "store_unavailable"},
		"contention": {err: domain.ErrContention, code: "contention"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewHandler(HandlerOptions{Service: brokenService{err: tc.err}, RetryAfter: 1500 * time.Millisecond})

			for _, req := range []*http.Request{
				httptest.NewRequest(http.MethodPost, "/coupons/generate", nil),
				httptest.NewRequest(http.MethodPost, "/coupons/use", strings.NewReader(tokenBody("t"))),
				httptest.NewRequest(http.MethodPost, "/coupons/validate", strings.NewReader(tokenBody("t"))),
				httptest.NewRequest(http.MethodGet, "/coupons/stats", nil),
			} {
				req.Header.Set(DefaultOwnerHeader, "alice")
				w := httptest.NewRecorder()
				h.ServeHTTP(w, req)

				assert.Equal(t, http.StatusServiceUnavailable, w.Code, req.URL.Path)
				assert.Equal(t, "2", w.Header().Get("Retry-After"), req.URL.Path)
				assert.Equal(t, tc.code, decode[errorBody](t, w).Error)
			}
		})
	}
}

func TestHandler_HealthDegraded(t *testing.T) {
	h := NewHandler(HandlerOptions{Service: brokenService{err: domain.ErrStoreUnavailable}})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[healthResponse](t, w)
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.StoreConnected)
}

func TestHandler_CancelledRequests(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
		code   string
	}{
		"deadline":  {err: fmt.Errorf("get: %w", context.DeadlineExceeded), status: http.StatusGatewayTimeout, code: "timeout"},
		"cancelled": {err: fmt.Errorf("get: %w", context.Canceled), status: 499, code: "cancelled"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewHandler(HandlerOptions{Service: brokenService{err: tc.err}})

			r := httptest.NewRequest(http.MethodPost, "/coupons/generate", nil)
			r.Header.Set(DefaultOwnerHeader, "alice")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decode[errorBody](t, w).Error)
			assert.Empty(t, w.Header().Get("Retry-After"))
		})
	}
}

func TestHandler_UnexpectedErrorIsInternal(t *testing.T) {
	h := NewHandler(HandlerOptions{Service: brokenService{err: io.ErrUnexpectedEOF}})

	r := httptest.NewRequest(http.MethodPost, "/coupons/generate", nil)
	r.Header.Set(DefaultOwnerHeader, "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal", decode[errorBody](t, w).Error)
}
