package api

import (
	"io"
	"net/http"

	"github.com/fox-gonic/fox"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/ruleset"
)

func (api *Api) RulesSummary(c *fox.Context) {
	c.JSON(http.StatusOK, api.deps.Rules.Summary())
}

// ValidateLoadedRules reports advisory problems with the loaded rules.
func (api *Api) ValidateLoadedRules(c *fox.Context) {
	issues := api.deps.Rules.Validate()
	c.JSON(http.StatusOK, map[string]any{"valid": len(issues) == 0, "issues": issues})
}

// ValidateRulesDocument checks a YAML rules document without loading it.
func (api *Api) ValidateRulesDocument(c *fox.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	defaults := api.deps.Rules.Defaults()
	rules, err := ruleset.ParseYAML(body, defaults)
	if err != nil {
		c.JSON(http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	scratch := ruleset.NewEngine(defaults)
	if err := scratch.Load(rules); err != nil {
		c.JSON(http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	issues := scratch.Validate()
	c.JSON(http.StatusOK, map[string]any{"valid": len(issues) == 0, "issues": issues, "summary": scratch.Summary()})
}

// EvaluateRules shows which rule an alert matches and its group key.
func (api *Api) EvaluateRules(c *fox.Context) {
	var a model.Alert
	if err := c.ShouldBindJSON(&a); err != nil || a.Name == "" {
		badRequest(c, "alert with a name is required")
		return
	}
	c.JSON(http.StatusOK, api.deps.Rules.Evaluate(&a))
}
