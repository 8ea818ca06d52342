package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"secmon/internal/models"
	"secmon/internal/service"
	"secmon/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// SecurityHandler exposes the enforcement core over HTTP
type SecurityHandler struct {
	limiter    *service.RateLimiter
	reputation *service.IPReputationList
	events     *service.EventLog
	alerts     *service.AlertDispatcher
	logger     *zap.Logger
}

// NewSecurityHandler creates a new security handler
func NewSecurityHandler(
	limiter *service.RateLimiter,
	reputation *service.IPReputationList,
	events *service.EventLog,
	alerts *service.AlertDispatcher,
	logger *zap.Logger,
) *SecurityHandler {
	return &SecurityHandler{
		limiter:    limiter,
		reputation: reputation,
		events:     events,
		alerts:     alerts,
		logger:     util.OrNop(logger),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// checkRequest is the wire form of service.CheckRequest.
type checkRequest struct {
	SourceIP      string `json:"source_ip"`
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"api_key"`
	WindowSeconds *int   `json:"window_seconds,omitempty"`
	Limit         *int   `json:"limit,omitempty"`
	Burst         *int   `json:"burst,omitempty"`
}

func (c checkRequest) toService() service.CheckRequest {
	req := service.CheckRequest{
		SourceIP: c.SourceIP,
		Endpoint: c.Endpoint,
		APIKey:   c.APIKey,
		Limit:    c.Limit,
		Burst:    c.Burst,
	}
	if c.WindowSeconds != nil {
		w := time.Duration(*c.WindowSeconds) * time.Second
		req.Window = &w
	}
	return req
}

type requestMarker struct {
	SourceIP string `json:"source_ip"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

type unblockRequest struct {
	Address string `json:"address"`
}

// RegisterRoutes registers all enforcement routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/ratelimit", func(r chi.Router) {
		r.Post("/check", h.Check)
		r.Post("/admit", h.Admit)
		r.Post("/requests", h.RecordRequest)
		r.Get("/stats", h.Stats)
		r.Delete("/", h.Reset)
	})

	router.Route("/iplist", func(r chi.Router) {
		r.Get("/", h.ListActive)
		r.Get("/{address}", h.Lookup)
		r.Post("/block", h.Block)
		r.Post("/unblock", h.Unblock)
		r.Post("/allow", h.Allow)
	})

	router.Route("/events", func(r chi.Router) {
		r.Post("/", h.RecordEvent)
		r.Get("/", h.RecentEvents)
		r.Get("/count", h.CountEvents)
	})

	router.Route("/alerts", func(r chi.Router) {
		r.Post("/", h.SendAlert)
		r.Get("/", h.RecentAlerts)
		r.Get("/duplicate", h.IsDuplicate)
	})
}

// Check answers whether a request may proceed. It always responds 200 with a decision.
func (h *SecurityHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res := h.limiter.Check(r.Context(), req.toService())
	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Rate limit checked"))
}

// Admit checks and, when allowed, records the request in one call
func (h *SecurityHandler) Admit(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res := h.limiter.Admit(r.Context(), req.toService())
	h.respondWithJSON(w, http.StatusOK, successResponse(res, "Request admitted"))
}

// RecordRequest appends a request marker for a forwarded request
func (h *SecurityHandler) RecordRequest(w http.ResponseWriter, r *http.Request) {
	var req requestMarker
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.limiter.RecordRequest(r.Context(), req.SourceIP, req.Endpoint, req.APIKey); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record request")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(nil, "Request recorded"))
}

// Stats reports request counters for a source
func (h *SecurityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := h.limiter.Stats(r.Context(), q.Get("source_ip"), q.Get("endpoint"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get request stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Request stats retrieved"))
}

// Reset clears request counters for a source
func (h *SecurityHandler) Reset(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.limiter.Reset(r.Context(), q.Get("source_ip"), q.Get("endpoint")); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset request counters")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Request counters reset"))
}

// Lookup reports the list status of one address
func (h *SecurityHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if _, err := service.ValidateAddress(address); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid address")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"address": address,
		"allowed": h.reputation.IsAllowed(r.Context(), address),
		"blocked": h.reputation.IsBlocked(r.Context(), address),
	}, "Address status retrieved"))
}

// ListActive lists active entries of the list named by ?list_type (default block)
func (h *SecurityHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	listType := models.ListBlock
	if raw := r.URL.Query().Get("list_type"); raw != "" {
		parsed, err := models.ParseListType(raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid list type")
			return
		}
		listType = parsed
	}

	entries, err := h.reputation.ListActive(r.Context(), listType)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list entries")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(entries, "Active entries retrieved"))
}

// Block adds an address to the block list
func (h *SecurityHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req service.BlockRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	req.BlockType = models.BlockType(strings.ToLower(strings.TrimSpace(string(req.BlockType))))

	entry, err := h.reputation.Block(r.Context(), req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to block address")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(entry, "Address blocked"))
}

// Unblock deactivates an address's block entry
func (h *SecurityHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.reputation.Unblock(r.Context(), req.Address); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to unblock address")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Address unblocked"))
}

// Allow adds an address to the allow list
func (h *SecurityHandler) Allow(w http.ResponseWriter, r *http.Request) {
	var req service.AllowRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	entry, err := h.reputation.Allow(r.Context(), req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to allow address")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(entry, "Address allowed"))
}

// RecordEvent appends a security event
func (h *SecurityHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req service.EventInput
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ev, err := h.events.Record(r.Context(), req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record event")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(ev, "Event recorded"))
}

// CountEvents counts matching events in the trailing ?window_seconds
func (h *SecurityHandler) CountEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid filter")
		return
	}
	window, err := querySeconds(r, "window_seconds", time.Minute)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid window")
		return
	}

	count := h.events.CountSince(r.Context(), filter, window)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"count":          count,
		"window_seconds": int64(window / time.Second),
	}, "Events counted"))
}

// RecentEvents lists the newest matching events
func (h *SecurityHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid filter")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}

	events, err := h.events.Recent(r.Context(), filter, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list events")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Events retrieved"))
}

// SendAlert persists an alert and fans it out to the notification channels
func (h *SecurityHandler) SendAlert(w http.ResponseWriter, r *http.Request) {
	var req service.AlertInput
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.alerts.Send(r.Context(), req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send alert")
		return
	}

	message := "Alert sent"
	if res.Suppressed {
		message = "Alert recorded, delivery suppressed as duplicate"
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(res, message))
}

// RecentAlerts lists the newest alert records
func (h *SecurityHandler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}

	records, err := h.alerts.Recent(r.Context(), r.URL.Query().Get("component"), limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list alerts")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, "Alerts retrieved"))
}

// IsDuplicate reports whether an alert would currently be suppressed
func (h *SecurityHandler) IsDuplicate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	component, alertType := q.Get("component"), q.Get("alert_type")
	if component == "" || alertType == "" {
		err := fmt.Errorf("%w: component and alert_type are required", service.ErrValidation)
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query")
		return
	}
	window, err := querySeconds(r, "window_seconds", 0)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid window")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{
		"duplicate": h.alerts.IsDuplicate(r.Context(), component, alertType, window),
	}, "Duplicate check complete"))
}

func eventFilter(r *http.Request) (models.EventFilter, error) {
	q := r.URL.Query()
	filter := models.EventFilter{
		SourceIP: q.Get("source_ip"),
		Endpoint: q.Get("endpoint"),
		APIKey:   q.Get("api_key"),
	}
	if raw := q.Get("event_type"); raw != "" {
		t, err := models.ParseEventType(raw)
		if err != nil {
			return filter, err
		}
		filter.EventType = t
	}
	return filter, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func querySeconds(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	v, err := queryInt(r, key, -1)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return def, nil
	}
	return time.Duration(v) * time.Second, nil
}

func (h *SecurityHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// respondWithJSON sends a JSON response
func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SecurityHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
