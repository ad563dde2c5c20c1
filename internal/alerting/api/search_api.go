package api

import (
	"net/http"
	"strings"

	"github.com/fox-gonic/fox"
)

type searchRequest struct {
	Text      string   `json:"text"`
	K         int      `json:"k"`
	Threshold *float32 `json:"threshold,omitempty"`
}

// SearchSimilar implements POST /v1/search.
func (api *Api) SearchSimilar(c *fox.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		badRequest(c, "text is required")
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	if req.K > 100 {
		badRequest(c, "k must be 1-100")
		return
	}
	var threshold float32 = 0.7
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	res, err := api.deps.Search.SearchSimilar(c.Request.Context(), req.Text, req.K, threshold)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": res})
}

func (api *Api) SearchStats(c *fox.Context) {
	stats, info := api.deps.Search.PerformanceStats()
	c.JSON(http.StatusOK, map[string]any{"index": stats, "encoder": info})
}
