package api

import (
	"net/http"
	"time"

	"github.com/fox-gonic/fox"

	"github.com/qiniu/alertiq/internal/alerting/service/history"
)

type outcomeRequest struct {
	AlertID               string `json:"alert_id"`
	Acknowledged          bool   `json:"acknowledged"`
	Escalated             bool   `json:"escalated"`
	FalsePositive         bool   `json:"false_positive"`
	ResolutionTimeSeconds int64  `json:"resolution_time_seconds"`
}

// RecordOutcome implements POST /v1/outcomes: operator feedback that feeds
// the false-negative rate, threshold optimisation and training data.
func (api *Api) RecordOutcome(c *fox.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if req.AlertID == "" {
		badRequest(c, "alert_id is required")
		return
	}
	if req.ResolutionTimeSeconds < 0 {
		badRequest(c, "resolution_time_seconds must not be negative")
		return
	}
	o := history.Outcome{
		AlertID:        req.AlertID,
		Acknowledged:   req.Acknowledged,
		Escalated:      req.Escalated,
		FalsePositive:  req.FalsePositive,
		ResolutionTime: time.Duration(req.ResolutionTimeSeconds) * time.Second,
		RecordedAt:     time.Now().UTC(),
	}
	if err := api.deps.History.RecordOutcome(c.Request.Context(), o); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, map[string]any{"ok": true})
}
