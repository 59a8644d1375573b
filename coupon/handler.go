package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"coupon-gateway/coupon/application"
	"coupon-gateway/coupon/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const DefaultOwnerHeader = "X-Owner-ID"

const maxBodyBytes = 64 << 10

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// CouponService é o que o handler precisa do núcleo; *application.Service atende.
type CouponService interface {
	IssueToken(ctx context.Context, ownerID string) (application.Issued, error)
	RedeemToken(ctx context.Context, credential string) (application.Redemption, error)
	ValidateToken(ctx context.Context, credential string) (application.Validation, error)
	Stats(ctx context.Context) (application.Stats, error)
	OwnerStats(ctx context.Context, ownerID string) (application.OwnerStats, error)
	Ping(ctx context.Context) error
}

type HandlerOptions struct {
	Service CouponService
	Owner   OwnerFunc
	// Gatherer expõe /metrics quando não nil.
	Gatherer prometheus.Gatherer
	// RetryAfter é o valor de Retry-After em respostas 503.
	RetryAfter time.Duration
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

type handler struct {
	svc        CouponService
	owner      OwnerFunc
	retryAfter time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewHandler monta as rotas da API de cupons.
func NewHandler(opts HandlerOptions) http.Handler {
	h := &handler{
		svc:        opts.Service,
		owner:      opts.Owner,
		retryAfter: opts.RetryAfter,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if h.owner == nil {
		h.owner = HeaderOwner(DefaultOwnerHeader)
	}
	if h.retryAfter <= 0 {
		h.retryAfter = time.Second
	}
	if h.log == nil {
		h.log = discardLogger
	}
	if h.now == nil {
		h.now = time.Now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /coupons/generate", h.generate)
	mux.HandleFunc("POST /coupons/validate", h.validate)
	mux.HandleFunc("POST /coupons/use", h.use)
	mux.HandleFunc("GET /coupons/stats", h.stats)
	mux.HandleFunc("GET /coupons/user-stats", h.userStats)
	mux.HandleFunc("GET /health", h.health)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// statusClientClosedRequest segue a convenção do nginx (499).
const statusClientClosedRequest = 499

type tokenRequest struct {
	Token string `json:"token"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Current e Limit só aparecem nas rejeições de cota.
	Current int64 `json:"current,omitempty"`
	Limit   int64 `json:"limit,omitempty"`
}

type generateResponse struct {
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expires_at"`
	TokenNumber     int64     `json:"token_number"`
	RemainingTokens int64     `json:"remaining_tokens"`
	UserID          string    `json:"user_id"`
}

type validateResponse struct {
	Valid       bool   `json:"valid"`
	Reason      string `json:"reason"`
	Message     string `json:"message"`
	TokenNumber int64  `json:"token_number,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

type useResponse struct {
	Message     string    `json:"message"`
	TokenNumber int64     `json:"token_number"`
	UserID      string    `json:"user_id"`
	UsedAt      time.Time `json:"used_at"`
}

type statsResponse struct {
	TokensIssued     int64     `json:"tokens_issued"`
	TokensRemaining  int64     `json:"tokens_remaining"`
	MaxTokens        int64     `json:"max_tokens"`
	MaxTokensPerUser int64     `json:"max_tokens_per_user"`
	LimitReached     bool      `json:"limit_reached"`
	Timestamp        time.Time `json:"timestamp"`
}

type userStatsResponse struct {
	UserID              string    `json:"user_id"`
	UserTokensIssued    int64     `json:"user_tokens_issued"`
	UserTokensRemaining int64     `json:"user_tokens_remaining"`
	MaxTokensPerUser    int64     `json:"max_tokens_per_user"`
	UserLimitReached    bool      `json:"user_limit_reached"`
	Timestamp           time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status         string    `json:"status"`
	StoreConnected bool      `json:"store_connected"`
	Timestamp      time.Time `json:"timestamp"`
}

var validationMessages = map[string]string{
	"ok":           "token is valid and unused",
	"invalid":      "invalid token",
	"expired":      "token has expired",
	"already_used": "token has already been used",
}

func (h *handler) generate(w http.ResponseWriter, r *http.Request) {
	issued, err := h.svc.IssueToken(r.Context(), h.owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		Token:           issued.Credential,
		ExpiresAt:       issued.Record.ExpiresAt,
		TokenNumber:     issued.Record.Sequence,
		RemainingTokens: issued.Remaining,
		UserID:          issued.Record.OwnerID,
	})
}

func (h *handler) validate(w http.ResponseWriter, r *http.Request) {
	token, ok := h.readToken(w, r)
	if !ok {
		return
	}
	v, err := h.svc.ValidateToken(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:       v.Valid,
		Reason:      v.Reason,
		Message:     validationMessages[v.Reason],
		TokenNumber: v.Sequence,
		UserID:      v.OwnerID,
	})
}

func (h *handler) use(w http.ResponseWriter, r *http.Request) {
	token, ok := h.readToken(w, r)
	if !ok {
		return
	}
	red, err := h.svc.RedeemToken(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, useResponse{
		Message:     "token successfully used",
		TokenNumber: red.Sequence,
		UserID:      red.OwnerID,
		UsedAt:      red.RedeemedAt,
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TokensIssued:     st.Issued,
		TokensRemaining:  st.Remaining,
		MaxTokens:        st.Limit,
		MaxTokensPerUser: st.OwnerLimit,
		LimitReached:     st.LimitReached,
		Timestamp:        h.now().UTC(),
	})
}

func (h *handler) userStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.OwnerStats(r.Context(), h.owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userStatsResponse{
		UserID:              st.OwnerID,
		UserTokensIssued:    st.Issued,
		UserTokensRemaining: st.Remaining,
		MaxTokensPerUser:    st.Limit,
		UserLimitReached:    st.LimitReached,
		Timestamp:           h.now().UTC(),
	})
}

// health sempre responde 200; status "degraded" indica store inacessível.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Ping(r.Context())
	if err != nil {
		LoggerFrom(r.Context(), h.log).WithError(err).Warn("health check: store unreachable")
	}
	resp := healthResponse{Status: "healthy", StoreConnected: err == nil, Timestamp: h.now().UTC()}
	if err != nil {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) readToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "invalid_request",
			Message: `body must be a JSON object with a non-empty "token"`,
		})
		return "", false
	}
	return req.Token, true
}

// writeError traduz os erros do núcleo para status HTTP.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var quota *domain.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:   quota.Scope.String() + "_quota_exceeded",
			Message: quota.Error(),
			Current: quota.Current,
			Limit:   quota.Limit,
		})
	case errors.Is(err, domain.ErrMissingOwner):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing_owner", Message: "owner identity is required"})
	case errors.Is(err, domain.ErrExpiredCredential):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "expired_token", Message: "token has expired"})
	case errors.Is(err, domain.ErrAlreadyUsed):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_used", Message: "token has already been used"})
	case errors.Is(err, domain.ErrInvalidCredential):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_token", Message: "invalid token"})
	case errors.Is(err, domain.ErrContention):
		w.Header().Set("Retry-After", retryAfterSeconds(h.retryAfter))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "contention", Message: "service busy, retry later"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		w.Header().Set("Retry-After", retryAfterSeconds(h.retryAfter))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store_unavailable", Message: "service temporarily unavailable"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timeout", Message: "request deadline exceeded"})
	case errors.Is(err, context.Canceled):
		// o cliente já foi embora; o status só aparece nos logs de acesso.
		writeJSON(w, statusClientClosedRequest, errorBody{Error: "cancelled", Message: "request cancelled"})
	default:
		LoggerFrom(r.Context(), h.log).WithError(err).WithField("path", r.URL.Path).Error("unexpected error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: http.StatusText(http.StatusInternalServerError)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
