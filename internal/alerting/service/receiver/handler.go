package receiver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

type Handler struct {
	sink   Sink
	auth   *Auth
	seen   *SeenSet
	marker Marker
	ttl    time.Duration
	// submitTimeout bounds how long a request waits on a full queue.
	submitTimeout time.Duration
}

type Option func(*Handler)

func WithAuth(a *Auth) Option { return func(h *Handler) { h.auth = a } }

// WithMarker shares idempotency keys with other replicas.
func WithMarker(m Marker) Option { return func(h *Handler) { h.marker = m } }

func WithSeenSet(s *SeenSet) Option { return func(h *Handler) { h.seen = s } }

func WithSubmitTimeout(d time.Duration) Option { return func(h *Handler) { h.submitTimeout = d } }

func NewHandler(sink Sink, opts ...Option) *Handler {
	h := &Handler{
		sink:          sink,
		marker:        NoopMarker{},
		ttl:           defaultSeenTTL,
		submitTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	if h.seen == nil {
		h.seen = NewSeenSet(defaultSeenSize, h.ttl)
	}
	return h
}

const (
	WebhookPath = "/v1/integrations/alertmanager/webhook"
	AlertsPath  = "/v1/alerts"
)

// Register mounts the alertmanager webhook and the native alert intake on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST(WebhookPath, h.AlertmanagerWebhook)
	r.POST(AlertsPath, h.PostAlerts)
}

func (h *Handler) submit(ctx context.Context, a *model.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, h.submitTimeout)
	defer cancel()
	return h.sink.Submit(ctx, a)
}

func (h *Handler) AlertmanagerWebhook(c *gin.Context) {
	if !h.auth.Check(c) {
		return
	}

	var req AMWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("AlertmanagerWebhook: failed to parse JSON request")
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON"})
		return
	}
	if err := ValidateAMWebhook(&req); err != nil {
		log.Error().Err(err).Msg("AlertmanagerWebhook: webhook validation failed")
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if strings.ToLower(req.Status) != "firing" {
		log.Info().Str("status", req.Status).Msg("AlertmanagerWebhook: ignoring non-firing notification")
		c.JSON(http.StatusOK, map[string]any{"ok": true, "msg": "ignored (not firing)"})
		return
	}

	ctx := c.Request.Context()
	accepted, duplicates := 0, 0
	for i := range req.Alerts {
		a := req.Alerts[i]
		if a.Status != "" && strings.ToLower(a.Status) != "firing" {
			continue
		}
		key := BuildIdempotencyKey(a)
		if h.seen.AlreadySeen(key) {
			duplicates++
			continue
		}
		if ok, err := h.marker.TryMark(ctx, key, h.ttl); err != nil {
			// Best effort: a broken shared cache must not block ingestion.
			log.Warn().Err(err).Str("idempotency_key", key).Msg("AlertmanagerWebhook: shared idempotency check failed")
		} else if !ok {
			duplicates++
			h.seen.MarkSeen(key)
			continue
		}

		alert, err := MapToAlert(&req, &a)
		if err != nil {
			log.Error().Err(err).Str("alert_name", a.Labels["alertname"]).Msg("AlertmanagerWebhook: failed to map alert")
			continue
		}
		if err := h.submit(ctx, alert); err != nil {
			log.Error().Err(err).Str("alert_id", alert.ID).Msg("AlertmanagerWebhook: failed to queue alert")
			c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error(), "accepted": accepted})
			return
		}
		h.seen.MarkSeen(key)
		accepted++
	}

	log.Info().Int("total_alerts", len(req.Alerts)).Int("accepted", accepted).Int("duplicates", duplicates).Msg("AlertmanagerWebhook: webhook processed")
	c.JSON(http.StatusOK, map[string]any{"ok": true, "accepted": accepted, "duplicates": duplicates})
}

// PostAlerts accepts a JSON array of alerts in native form.
func (h *Handler) PostAlerts(c *gin.Context) {
	if !h.auth.Check(c) {
		return
	}
	var alerts []*model.Alert
	if err := c.ShouldBindJSON(&alerts); err != nil {
		c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON"})
		return
	}
	for i, a := range alerts {
		if err := ValidateAlert(a); err != nil {
			c.JSON(http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error(), "index": i})
			return
		}
	}
	accepted := 0
	for _, a := range alerts {
		if a.FiredAt.IsZero() {
			a.FiredAt = time.Now().UTC()
		}
		a.Labels = model.NormalizeLabels(a.Labels, LabelAliases)
		if err := h.submit(c.Request.Context(), a); err != nil {
			c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error(), "accepted": accepted})
			return
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, map[string]any{"ok": true, "accepted": accepted})
}
