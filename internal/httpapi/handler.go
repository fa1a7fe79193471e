package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"fleethub/internal/hub"
	"fleethub/internal/metrics"
	"fleethub/internal/registry"
)

// Publisher emits one outbound message to the transport.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string, qos byte, retain bool) error
}

// RuleStore optionally persists created rules. May be nil.
type RuleStore interface {
	SaveRule(ctx context.Context, rule registry.Rule) error
	Ping(ctx context.Context) error
}

type Handler struct {
	log     zerolog.Logger
	reg     *registry.Registry
	hub     *hub.Hub
	pub     Publisher
	store   RuleStore
	metrics *metrics.Metrics
}

func NewHandler(log zerolog.Logger, reg *registry.Registry, h *hub.Hub, pub Publisher, store RuleStore, m *metrics.Metrics) *Handler {
	return &Handler{log: log, reg: reg, hub: h, pub: pub, store: store, metrics: m}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)

	// Observability
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// Live push channel. Kept outside the timeout middleware: observer
	// connections are long-lived.
	r.Get("/ws", h.handleWS)

	// API
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/state", h.handleState)
			r.Post("/subscriptions/*", h.handleAddSubscription)
			r.Post("/publish", h.handlePublish)
			r.Route("/commands", func(r chi.Router) {
				r.Post("/", h.handleCreateCommand)
				r.Post("/{id}/execute", h.handleExecuteCommand)
			})
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		h.metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.Status(), duration)
		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "rule store not ready", map[string]any{"error": err.Error()})
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.reg.Snapshot())
}

func (h *Handler) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "*")
	topic, err := url.PathUnescape(raw)
	if err != nil {
		topic = raw
	}
	if topic == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "topic is required", nil)
		return
	}

	h.reg.AddSubscription(topic)
	h.hub.Broadcast(hub.SubscriptionAdded(topic))
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "topic": topic})
}

type publishRequest struct {
	DeviceID string `json:"device_id"`
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	QoS      int    `json:"qos"`
	Retain   bool   `json:"retain"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.DeviceID == "" || req.Topic == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "device_id and topic are required", nil)
		return
	}
	if req.QoS < 0 || req.QoS > 2 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "qos must be between 0 and 2", nil)
		return
	}

	if err := h.pub.Publish(r.Context(), req.Topic, req.Payload, byte(req.QoS), req.Retain); err != nil {
		h.log.Error().Err(err).Str("topic", req.Topic).Msg("manual publish failed")
		h.metrics.IncPublishFailure()
		h.writeError(w, http.StatusBadGateway, "publish_failed", "transport publish failed", map[string]any{"error": err.Error()})
		return
	}

	h.reg.RecordSent(req.DeviceID, len(req.Payload))
	h.hub.Broadcast(hub.Published(req.Topic, req.Payload))
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type commandCreate struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	DeviceID          string  `json:"device_id"`
	Topic             string  `json:"topic"`
	Payload           string  `json:"payload"`
	QoS               int     `json:"qos"`
	Retained          bool    `json:"retained"`
	TriggerType       string  `json:"trigger_type"`
	IntervalSeconds   *int    `json:"interval_seconds"`
	ConditionTopic    *string `json:"condition_topic"`
	ConditionOperator *string `json:"condition_operator"`
	ConditionValue    *string `json:"condition_value"`
	Enabled           *bool   `json:"enabled"`
}

func (c commandCreate) toRule() registry.Rule {
	rule := registry.Rule{
		ID:       c.ID,
		Name:     c.Name,
		DeviceID: c.DeviceID,
		Topic:    c.Topic,
		Payload:  c.Payload,
		QoS:      c.QoS,
		Retained: c.Retained,
		Trigger:  c.TriggerType,
		Enabled:  true,
	}
	if rule.Trigger == "" {
		rule.Trigger = registry.TriggerManual
	}
	if c.IntervalSeconds != nil {
		rule.IntervalSeconds = *c.IntervalSeconds
	}
	if c.ConditionTopic != nil {
		rule.ConditionTopic = *c.ConditionTopic
	}
	if c.ConditionOperator != nil {
		rule.ConditionOperator = *c.ConditionOperator
	}
	if c.ConditionValue != nil {
		rule.ConditionValue = *c.ConditionValue
	}
	if c.Enabled != nil {
		rule.Enabled = *c.Enabled
	}
	return rule
}

func (h *Handler) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req commandCreate
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}

	rule := req.toRule()
	if err := rule.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), nil)
		return
	}
	if rule.Trigger == registry.TriggerCondition && req.ConditionValue == nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "condition_value is required for condition rules", nil)
		return
	}

	created, err := h.reg.CreateRule(rule)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateRule) {
			h.writeError(w, http.StatusConflict, "conflict", "command id already exists", map[string]any{"id": rule.ID})
			return
		}
		h.log.Error().Err(err).Str("id", rule.ID).Msg("create command failed")
		h.writeError(w, http.StatusInternalServerError, "internal", "failed to create command", nil)
		return
	}

	if h.store != nil {
		if err := h.store.SaveRule(r.Context(), created); err != nil {
			h.log.Warn().Err(err).Str("id", created.ID).Msg("failed to persist command")
		}
	}

	h.hub.Broadcast(hub.CommandCreated(created))
	h.writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "command": created})
}

func (h *Handler) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rule, ok := h.reg.Rule(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "command not found", map[string]any{"id": id})
		return
	}

	if err := h.pub.Publish(r.Context(), rule.Topic, rule.Payload, byte(rule.QoS), rule.Retained); err != nil {
		h.log.Error().Err(err).Str("command_id", id).Msg("manual command publish failed")
		h.metrics.IncPublishFailure()
		h.writeError(w, http.StatusBadGateway, "publish_failed", "transport publish failed", map[string]any{"error": err.Error()})
		return
	}

	h.reg.RecordSent(rule.DeviceID, len(rule.Payload))
	h.metrics.IncCommandFired("manual")
	h.hub.Broadcast(hub.CommandFired(id, "manual"))
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
