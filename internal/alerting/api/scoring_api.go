package api

import (
	"context"
	"net/http"

	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

type scoreRequest struct {
	Alert      *model.Alert      `json:"alert"`
	Historical *model.Historical `json:"historical,omitempty"`
}

// historical uses supplied history, else the store, else zero history.
func (api *Api) historical(ctx context.Context, a *model.Alert, given *model.Historical) model.Historical {
	if given != nil {
		return *given
	}
	if api.deps.History == nil {
		return model.Historical{}
	}
	h, err := api.deps.History.Historical(ctx, a)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", a.ID).Msg("historical lookup failed, scoring without history")
		return model.Historical{}
	}
	return h
}

func bindAlert(c *fox.Context) (scoreRequest, bool) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return req, false
	}
	if req.Alert == nil || req.Alert.Name == "" {
		badRequest(c, "alert with a name is required")
		return req, false
	}
	return req, true
}

// Score implements POST /v1/score.
func (api *Api) Score(c *fox.Context) {
	req, ok := bindAlert(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	s, err := api.deps.Ranker.Evaluate(ctx, req.Alert, api.historical(ctx, req.Alert, req.Historical))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{
		"alert_id":    req.Alert.ID,
		"noise_score": s.Score,
		"threshold":   s.Threshold,
	})
}

// ShouldSuppress implements POST /v1/suppress.
func (api *Api) ShouldSuppress(c *fox.Context) {
	req, ok := bindAlert(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	s, err := api.deps.Ranker.Evaluate(ctx, req.Alert, api.historical(ctx, req.Alert, req.Historical))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type rankRequest struct {
	Alerts     []*model.Alert              `json:"alerts"`
	Historical map[string]model.Historical `json:"historical,omitempty"`
}

// Rank implements POST /v1/rank.
func (api *Api) Rank(c *fox.Context) {
	var req rankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if len(req.Alerts) == 0 {
		badRequest(c, "alerts is required")
		return
	}
	ctx := c.Request.Context()
	if req.Historical == nil {
		req.Historical = map[string]model.Historical{}
	}
	for _, a := range req.Alerts {
		if a == nil {
			badRequest(c, "null alert")
			return
		}
		if _, ok := req.Historical[a.ID]; !ok && api.deps.History != nil {
			req.Historical[a.ID] = api.historical(ctx, a, nil)
		}
	}
	ranked, err := api.deps.Ranker.Rank(ctx, req.Alerts, req.Historical)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": ranked})
}

// Process implements POST /v1/process: runs one alert through the full
// pipeline synchronously.
func (api *Api) Process(c *fox.Context) {
	var a model.Alert
	if err := c.ShouldBindJSON(&a); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	d, err := api.deps.Processor.Process(c.Request.Context(), &a)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}
