package api

import (
	"net/http"

	"github.com/fox-gonic/fox"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

func registerGroupRoutes(r *fox.RouterGroup, api *Api) {
	r.GET("/groups", api.ListGroups)
	r.GET("/groups/merge-suggestions", api.MergeSuggestions)
	r.GET("/groups/:groupID", api.GetGroup)
	r.POST("/groups/assign", api.AssignGroup)
	r.POST("/groups/batch", api.GroupBatch)
}

// ListGroups returns a snapshot of the open groups.
func (api *Api) ListGroups(c *fox.Context) {
	c.JSON(http.StatusOK, map[string]any{"items": api.deps.Groups.Snapshot()})
}

func (api *Api) GetGroup(c *fox.Context) {
	g, ok := api.deps.Groups.Get(c.Param("groupID"))
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "group not found")
		return
	}
	c.JSON(http.StatusOK, g)
}

func (api *Api) MergeSuggestions(c *fox.Context) {
	s := api.deps.Groups.SuggestMerges(api.deps.Groups.Snapshot())
	c.JSON(http.StatusOK, map[string]any{"items": s})
}

// AssignGroup merges one alert into the live groups.
func (api *Api) AssignGroup(c *fox.Context) {
	var a model.Alert
	if err := c.ShouldBindJSON(&a); err != nil || a.Name == "" {
		badRequest(c, "alert with a name is required")
		return
	}
	asg, err := api.deps.Groups.Assign(c.Request.Context(), &a)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, asg)
}

// GroupBatch groups a batch of alerts without touching the live groups.
func (api *Api) GroupBatch(c *fox.Context) {
	var req struct {
		Alerts []*model.Alert `json:"alerts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	for _, a := range req.Alerts {
		if a == nil {
			badRequest(c, "null alert")
			return
		}
	}
	groups, err := api.deps.Groups.Group(c.Request.Context(), req.Alerts)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"items": groups})
}
