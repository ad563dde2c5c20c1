package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fox-gonic/fox"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/snooze"
)

func registerSnoozeRoutes(r *fox.RouterGroup, api *Api) {
	r.GET("/snoozes", api.ListSnoozed)
	r.GET("/snoozes/:alertID", api.GetSnooze)
	r.PUT("/snoozes/:alertID", api.SnoozeAlert)
	r.DELETE("/snoozes/:alertID", api.UnsnoozeAlert)
	r.POST("/snoozes/:alertID/extend", api.ExtendSnooze)
	r.GET("/snoozes/:alertID/history", api.SnoozeHistory)
}

type snoozeRequest struct {
	DurationSeconds int64        `json:"duration_seconds"`
	Reason          string       `json:"reason"`
	User            string       `json:"user"`
	Replace         bool         `json:"replace"`
	Alert           *model.Alert `json:"alert,omitempty"`
}

func (r snoozeRequest) options() []snooze.Option {
	opts := []snooze.Option{snooze.WithReason(r.Reason), snooze.WithUser(r.User)}
	if r.Replace {
		opts = append(opts, snooze.WithReplace())
	}
	if r.Alert != nil {
		opts = append(opts, snooze.WithAlert(r.Alert))
	}
	return opts
}

func alertID(c *fox.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("alertID"))
	if id == "" {
		badRequest(c, "missing alertID")
		return "", false
	}
	return id, true
}

// SnoozeAlert implements PUT /v1/snoozes/:alertID. The duration is clamped
// to the configured bounds; zero selects the default.
func (api *Api) SnoozeAlert(c *fox.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if req.DurationSeconds < 0 {
		badRequest(c, "duration_seconds must not be negative")
		return
	}
	rec, err := api.deps.Snooze.Snooze(c.Request.Context(), id, time.Duration(req.DurationSeconds)*time.Second, req.options()...)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (api *Api) UnsnoozeAlert(c *fox.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	opts := []snooze.Option{snooze.WithUser(c.Query("user")), snooze.WithReason(c.Query("reason"))}
	removed, err := api.deps.Snooze.Unsnooze(c.Request.Context(), id, opts...)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !removed {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "alert is not snoozed")
		return
	}
	c.JSON(http.StatusOK, map[string]any{"alert_id": id, "unsnoozed": true})
}

func (api *Api) ExtendSnooze(c *fox.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	var req struct {
		AdditionalSeconds int64  `json:"additional_seconds"`
		Reason            string `json:"reason"`
		User              string `json:"user"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AdditionalSeconds <= 0 {
		badRequest(c, "additional_seconds must be positive")
		return
	}
	opts := []snooze.Option{snooze.WithUser(req.User)}
	if req.Reason != "" {
		opts = append(opts, snooze.WithReason(req.Reason))
	}
	rec, err := api.deps.Snooze.Extend(c.Request.Context(), id, time.Duration(req.AdditionalSeconds)*time.Second, opts...)
	if err != nil {
		writeErr(c, err)
		return
	}
	if rec == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "alert is not snoozed")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetSnooze reports whether an alert is snoozed and, if so, its record.
func (api *Api) GetSnooze(c *fox.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	rec, err := api.deps.Snooze.Get(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"alert_id": id, "snoozed": rec != nil, "record": rec})
}

func (api *Api) ListSnoozed(c *fox.Context) {
	ids, err := api.deps.Snooze.List(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": ids})
}

func (api *Api) SnoozeHistory(c *fox.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	limit := 0
	if s := strings.TrimSpace(c.Query("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			badRequest(c, "limit must be 1-100")
			return
		}
		limit = n
	}
	entries, err := api.deps.Snooze.History(c.Request.Context(), id, limit)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": entries})
}
