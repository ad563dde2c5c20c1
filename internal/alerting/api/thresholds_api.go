package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fox-gonic/fox"

	"github.com/qiniu/alertiq/internal/alerting/service/threshold"
)

func (api *Api) GetThresholds(c *fox.Context) {
	c.JSON(http.StatusOK, api.deps.Thresholds.Get())
}

// UpdateThresholds implements PATCH /v1/thresholds with a partial document.
func (api *Api) UpdateThresholds(c *fox.Context) {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	var partial map[string]any
	if err := dec.Decode(&partial); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	cfg, err := api.deps.Thresholds.Update(partial)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// OptimizeThresholds implements POST /v1/thresholds/optimize. Without a
// body the trailing window's outcomes from the history store are used.
func (api *Api) OptimizeThresholds(c *fox.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	var perf threshold.Performance
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &perf); err != nil {
			badRequest(c, "invalid JSON")
			return
		}
	} else {
		if api.deps.History == nil {
			badRequest(c, "performance metrics are required")
			return
		}
		perf, err = api.deps.History.Performance(c.Request.Context(), time.Now().Add(-api.deps.PerformanceWindow))
		if err != nil {
			writeErr(c, err)
			return
		}
	}
	cfg := api.deps.Thresholds.Optimize(perf)
	c.JSON(http.StatusOK, map[string]any{"performance": perf, "thresholds": cfg})
}
