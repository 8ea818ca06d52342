package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"secmon/internal/config"
	"secmon/internal/metrics"
	"secmon/internal/models"
	"secmon/internal/util"

	"go.uber.org/zap"
)

const (
	rateLimiterComponent = "rate_limiter"
	defaultWindow        = 60 * time.Second
)

// Decision reasons reported in CheckResult.
const (
	ReasonAllowList     = "allow_list"
	ReasonBlockList     = "block_list"
	ReasonWithinLimit   = "within_limit"
	ReasonLimitExceeded = "limit_exceeded"
	ReasonInvalid       = "invalid_request"
)

// ReputationChecker is the read side of the IP reputation list.
type ReputationChecker interface {
	IsAllowed(ctx context.Context, address string) bool
	IsBlocked(ctx context.Context, address string) bool
}

// RequestLog stores the request markers the limiter counts.
type RequestLog interface {
	CountRequests(ctx context.Context, sourceIP, endpoint, apiKey string, window time.Duration) (int64, error)
	RecordRequest(ctx context.Context, sourceIP, endpoint, apiKey string) error
	RequestStats(ctx context.Context, sourceIP, endpoint string) (*models.RequestStats, error)
	ResetRequests(ctx context.Context, sourceIP, endpoint string) (int64, error)
}

// Admitter is implemented by request logs that can count, compare and record
// in one atomic step.
type Admitter interface {
	Admit(ctx context.Context, sourceIP, endpoint, apiKey string, window time.Duration, ceiling int64) (bool, int64, error)
}

// Alerter sends alerts.
type Alerter interface {
	Send(ctx context.Context, in AlertInput) (*SendResult, error)
}

// CheckRequest represents one rate limit question. Nil overrides fall back
// to the configured rules.
type CheckRequest struct {
	SourceIP string         `json:"source_ip"`
	Endpoint string         `json:"endpoint,omitempty"`
	APIKey   string         `json:"api_key,omitempty"`
	Window   *time.Duration `json:"window,omitempty"`
	Limit    *int           `json:"limit,omitempty"`
	Burst    *int           `json:"burst,omitempty"`
}

// CheckResult is the binary decision plus what produced it.
type CheckResult struct {
	Allowed bool                   `json:"allowed"`
	Reason  string                 `json:"reason"`
	Count   int64                  `json:"count"`
	Scope   *models.RateLimitScope `json:"scope,omitempty"`
}

// RateLimiter decides whether a request from a source may proceed.
type RateLimiter struct {
	reputation ReputationChecker
	requests   RequestLog
	events     EventRecorder
	alerts     Alerter
	cfg        config.RateLimitConfig
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

// NewRateLimiter creates a new rate limiter. alerts may be nil.
func NewRateLimiter(
	reputation ReputationChecker,
	requests RequestLog,
	events EventRecorder,
	alerts Alerter,
	cfg config.RateLimitConfig,
	logger *zap.Logger,
	rec *metrics.Recorder,
) *RateLimiter {
	return &RateLimiter{
		reputation: reputation,
		requests:   requests,
		events:     events,
		alerts:     alerts,
		cfg:        cfg,
		logger:     util.OrNop(logger),
		metrics:    rec,
	}
}

// Check never fails: store errors are logged and the request is let through.
func (r *RateLimiter) Check(ctx context.Context, req CheckRequest) CheckResult {
	start := time.Now()
	defer func() { r.metrics.ObserveCheck(time.Since(start).Seconds()) }()

	res, scope, decided := r.screen(ctx, &req)
	if decided {
		return r.finish(ctx, req, res)
	}

	count, err := r.requests.CountRequests(ctx, req.SourceIP, req.Endpoint, req.APIKey, scope.Window)
	if err != nil {
		r.failOpen("count_requests", req, err)
		count = 0
	}
	return r.finish(ctx, req, r.compare(count, scope))
}

// Admit is Check followed by RecordRequest when allowed. Atomic request
// logs do both in one step.
func (r *RateLimiter) Admit(ctx context.Context, req CheckRequest) CheckResult {
	start := time.Now()
	defer func() { r.metrics.ObserveCheck(time.Since(start).Seconds()) }()

	res, scope, decided := r.screen(ctx, &req)
	if decided {
		res = r.finish(ctx, req, res)
		if res.Allowed {
			r.recordAdmitted(ctx, req)
		}
		return res
	}

	if admitter, ok := r.requests.(Admitter); ok {
		allowed, count, err := admitter.Admit(ctx, req.SourceIP, req.Endpoint, req.APIKey, scope.Window, scope.Ceiling())
		if err != nil {
			r.failOpen("admit", req, err)
			return r.finish(ctx, req, CheckResult{Allowed: true, Reason: ReasonWithinLimit, Scope: &scope})
		}
		res = CheckResult{Allowed: allowed, Reason: ReasonWithinLimit, Count: count, Scope: &scope}
		if !allowed {
			res.Reason = ReasonLimitExceeded
		}
		return r.finish(ctx, req, res)
	}

	count, err := r.requests.CountRequests(ctx, req.SourceIP, req.Endpoint, req.APIKey, scope.Window)
	if err != nil {
		r.failOpen("count_requests", req, err)
		count = 0
	}
	res = r.finish(ctx, req, r.compare(count, scope))
	if res.Allowed {
		r.recordAdmitted(ctx, req)
	}
	return res
}

// screen normalizes req and applies the list short-circuits. When decided is
// false, scope holds the resolved limits.
func (r *RateLimiter) screen(ctx context.Context, req *CheckRequest) (res CheckResult, scope models.RateLimitScope, decided bool) {
	req.SourceIP = normalizeAddress(req.SourceIP)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	req.APIKey = strings.TrimSpace(req.APIKey)

	if req.SourceIP == "" {
		return CheckResult{Allowed: false, Reason: ReasonInvalid}, scope, true
	}
	if r.reputation != nil {
		if r.reputation.IsAllowed(ctx, req.SourceIP) {
			return CheckResult{Allowed: true, Reason: ReasonAllowList}, scope, true
		}
		if r.reputation.IsBlocked(ctx, req.SourceIP) {
			return CheckResult{Allowed: false, Reason: ReasonBlockList}, scope, true
		}
	}
	return res, r.ResolveScope(req.Endpoint, req.APIKey, req.Window, req.Limit, req.Burst), false
}

func (r *RateLimiter) compare(count int64, scope models.RateLimitScope) CheckResult {
	res := CheckResult{Count: count, Scope: &scope}
	if count < scope.Ceiling() {
		res.Allowed = true
		res.Reason = ReasonWithinLimit
	} else {
		res.Reason = ReasonLimitExceeded
	}
	return res
}

func (r *RateLimiter) finish(ctx context.Context, req CheckRequest, res CheckResult) CheckResult {
	r.metrics.Decision(res.Allowed, res.Reason)
	if res.Reason == ReasonLimitExceeded {
		r.onDeny(ctx, req, res)
	}
	return res
}

// ResolveScope picks the most specific configured rule, field by field:
// endpoint, then API key, then the per-IP default. Explicit values win.
func (r *RateLimiter) ResolveScope(endpoint, apiKey string, window *time.Duration, limit, burst *int) models.RateLimitScope {
	scope := models.RateLimitScope{Source: models.ScopeIP}
	applyRule(&scope, r.cfg.Default)
	if scope.Window <= 0 {
		scope.Window = defaultWindow
	}

	if rule, ok := r.cfg.Endpoints[endpoint]; ok && endpoint != "" {
		applyRule(&scope, rule)
		scope.Source = models.ScopeEndpoint
	} else if rule, ok := r.cfg.APIKeys[apiKey]; ok && apiKey != "" {
		applyRule(&scope, rule)
		scope.Source = models.ScopeAPIKey
	}

	if window != nil && *window > 0 {
		scope.Window = *window
	}
	if limit != nil && *limit >= 0 {
		scope.Limit = *limit
	}
	if burst != nil && *burst >= 0 {
		scope.Burst = *burst
	}
	return scope
}

func applyRule(scope *models.RateLimitScope, rule config.LimitRule) {
	scope.Limit = rule.Limit
	if rule.Window > 0 {
		scope.Window = rule.Window
	}
	if rule.Burst >= 0 {
		scope.Burst = rule.Burst
	}
}

func (r *RateLimiter) onDeny(ctx context.Context, req CheckRequest, res CheckResult) {
	meta := models.Metadata{"count": res.Count}
	if res.Scope != nil {
		meta["limit"] = res.Scope.Limit
		meta["burst"] = res.Scope.Burst
		meta["window_seconds"] = res.Scope.Window.Seconds()
		meta["scope"] = string(res.Scope.Source)
	}

	if r.events != nil {
		if _, err := r.events.Record(ctx, EventInput{
			EventType: models.EventRateLimitExceeded,
			SourceIP:  req.SourceIP,
			Endpoint:  req.Endpoint,
			APIKey:    req.APIKey,
			Detail:    "rate limit exceeded",
			Metadata:  meta,
		}); err != nil {
			r.logger.Error("Failed to record rate limit event", util.IP(req.SourceIP), zap.Error(err))
		}
	}

	if r.alerts == nil || !r.cfg.AlertOnDeny {
		return
	}
	alertMeta := models.Metadata{"source_ip": req.SourceIP}
	for k, v := range meta {
		alertMeta[k] = v
	}
	if req.Endpoint != "" {
		alertMeta["endpoint"] = req.Endpoint
	}
	if _, err := r.alerts.Send(ctx, AlertInput{
		Component: rateLimiterComponent,
		Severity:  models.SeverityWarning,
		AlertType: string(models.EventRateLimitExceeded),
		Message:   denyMessage(req),
		Metadata:  alertMeta,
	}); err != nil {
		r.logger.Error("Failed to send rate limit alert", util.IP(req.SourceIP), zap.Error(err))
	}
}

func denyMessage(req CheckRequest) string {
	if req.Endpoint == "" {
		return fmt.Sprintf("rate limit exceeded for %s", req.SourceIP)
	}
	return fmt.Sprintf("rate limit exceeded for %s on %s", req.SourceIP, req.Endpoint)
}

func (r *RateLimiter) failOpen(op string, req CheckRequest, err error) {
	r.logger.Warn("Request log unavailable, allowing request",
		util.IP(req.SourceIP),
		zap.String("endpoint", req.Endpoint),
		zap.String("operation", op),
		zap.Error(err))
	r.metrics.FailOpen(op)
}

func (r *RateLimiter) recordAdmitted(ctx context.Context, req CheckRequest) {
	if err := r.requests.RecordRequest(ctx, req.SourceIP, req.Endpoint, req.APIKey); err != nil {
		r.logger.Warn("Failed to record admitted request", util.IP(req.SourceIP), zap.Error(err))
	}
}

// RecordRequest appends one request marker for a forwarded request.
func (r *RateLimiter) RecordRequest(ctx context.Context, sourceIP, endpoint, apiKey string) error {
	ip := normalizeAddress(sourceIP)
	if ip == "" {
		return fmt.Errorf("%w: source ip is required", ErrValidation)
	}
	if err := r.requests.RecordRequest(ctx, ip, strings.TrimSpace(endpoint), strings.TrimSpace(apiKey)); err != nil {
		return storeErr("record request", err)
	}
	return nil
}

// Stats summarizes the retained request markers of a source.
func (r *RateLimiter) Stats(ctx context.Context, sourceIP, endpoint string) (*models.RequestStats, error) {
	ip := normalizeAddress(sourceIP)
	if ip == "" {
		return nil, fmt.Errorf("%w: source ip is required", ErrValidation)
	}
	stats, err := r.requests.RequestStats(ctx, ip, strings.TrimSpace(endpoint))
	if err != nil {
		return nil, storeErr("request stats", err)
	}
	return stats, nil
}

// Reset clears request markers for a source, optionally for one endpoint.
func (r *RateLimiter) Reset(ctx context.Context, sourceIP, endpoint string) error {
	ip := normalizeAddress(sourceIP)
	if ip == "" {
		return fmt.Errorf("%w: source ip is required", ErrValidation)
	}
	n, err := r.requests.ResetRequests(ctx, ip, strings.TrimSpace(endpoint))
	if err != nil {
		return storeErr("reset requests", err)
	}
	r.logger.Info("Request counters reset", util.IP(ip), zap.String("endpoint", endpoint), zap.Int64("removed", n))
	return nil
}

// storeErr keeps an already classified error as is.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}
