package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/grouping"
	"github.com/qiniu/alertiq/internal/alerting/service/history"
	"github.com/qiniu/alertiq/internal/alerting/service/pipeline"
	"github.com/qiniu/alertiq/internal/alerting/service/ranker"
	"github.com/qiniu/alertiq/internal/alerting/service/receiver"
	"github.com/qiniu/alertiq/internal/alerting/service/ruleset"
	"github.com/qiniu/alertiq/internal/alerting/service/snooze"
	"github.com/qiniu/alertiq/internal/alerting/service/threshold"
	"github.com/qiniu/alertiq/internal/alerting/service/vectorsearch"
)

type Ranker interface {
	Ready() bool
	Evaluate(ctx context.Context, a *model.Alert, hist model.Historical) (ranker.Suppression, error)
	Rank(ctx context.Context, alerts []*model.Alert, hist map[string]model.Historical) ([]ranker.Ranked, error)
	EffectiveThreshold(ctx context.Context) ranker.Threshold
}

type History interface {
	Historical(ctx context.Context, a *model.Alert) (model.Historical, error)
	RecordOutcome(ctx context.Context, o history.Outcome) error
	Performance(ctx context.Context, since time.Time) (threshold.Performance, error)
}

type Processor interface {
	Process(ctx context.Context, a *model.Alert) (pipeline.Decision, error)
}

// Deps are the components exposed over HTTP. Routes whose component is
// nil are not registered.
type Deps struct {
	Ranker     Ranker
	History    History
	Groups     *grouping.Service
	Snooze     *snooze.Service
	Search     *vectorsearch.SearchEngine
	Thresholds *threshold.Service
	Rules      *ruleset.Engine
	Processor  Processor
	Receiver   *receiver.Handler
	// PerformanceWindow is the outcome window used by optimize requests
	// without an explicit body.
	PerformanceWindow time.Duration
}

type Api struct {
	deps Deps
}

// NewApi registers the routes of every non-nil component on router. The
// alertmanager receiver and /metrics are plain gin handlers mounted on the
// underlying gin engine.
func NewApi(router *fox.Engine, deps Deps) *Api {
	if deps.PerformanceWindow <= 0 {
		deps.PerformanceWindow = 24 * time.Hour
	}
	api := &Api{deps: deps}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *fox.Engine) {
	router.GET("/healthz", api.Health)
	router.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if api.deps.Receiver != nil {
		api.deps.Receiver.Register(router.Engine)
	}
	v1 := router.Group("/v1")
	if api.deps.Ranker != nil {
		v1.POST("/score", api.Score)
		v1.POST("/rank", api.Rank)
		v1.POST("/suppress", api.ShouldSuppress)
	}
	if api.deps.Processor != nil {
		v1.POST("/process", api.Process)
	}
	if api.deps.Groups != nil {
		registerGroupRoutes(v1, api)
	}
	if api.deps.Snooze != nil {
		registerSnoozeRoutes(v1, api)
	}
	if api.deps.Search != nil {
		v1.POST("/search", api.SearchSimilar)
		v1.GET("/search/stats", api.SearchStats)
	}
	if api.deps.Thresholds != nil {
		v1.GET("/thresholds", api.GetThresholds)
		v1.PATCH("/thresholds", api.UpdateThresholds)
		v1.POST("/thresholds/optimize", api.OptimizeThresholds)
	}
	if api.deps.Rules != nil {
		v1.GET("/rules", api.RulesSummary)
		v1.GET("/rules/validate", api.ValidateLoadedRules)
		v1.POST("/rules/validate", api.ValidateRulesDocument)
		v1.POST("/rules/evaluate", api.EvaluateRules)
	}
	if api.deps.History != nil {
		v1.POST("/outcomes", api.RecordOutcome)
	}
}

func (api *Api) Health(c *fox.Context) {
	resp := map[string]any{"status": "ok"}
	if api.deps.Ranker != nil {
		resp["ranker_ready"] = api.deps.Ranker.Ready()
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *fox.Context, status int, code, msg string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func badRequest(c *fox.Context, msg string) {
	writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", msg)
}

// writeErr maps component errors onto HTTP statuses.
func writeErr(c *fox.Context, err error) {
	var dim *vectorsearch.DimensionError
	switch {
	case errors.Is(err, model.ErrNotReady):
		writeError(c, http.StatusServiceUnavailable, "NOT_READY", err.Error())
	case model.IsRetryable(err):
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	case errors.Is(err, snooze.ErrAlreadySnoozed):
		writeError(c, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, threshold.ErrUnknownKey),
		errors.Is(err, threshold.ErrInvalidValue),
		errors.Is(err, ruleset.ErrInvalidDocument),
		errors.Is(err, vectorsearch.ErrLengthMismatch),
		errors.Is(err, pipeline.ErrInvalidAlert),
		errors.As(err, &dim):
		badRequest(c, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
