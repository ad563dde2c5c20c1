package threshold

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"
)

// DefaultFNRQuery reads the false-negative rate the ranker itself exports.
const DefaultFNRQuery = `max(alertiq_false_negative_rate)`

// PromFNRSource evaluates an instant PromQL query that yields the recent
// false-negative rate.
type PromFNRSource struct {
	api     v1.API
	query   string
	timeout time.Duration
}

func NewPromFNRSource(address, query string, timeout time.Duration) (*PromFNRSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if query == "" {
		query = DefaultFNRQuery
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PromFNRSource{api: v1.NewAPI(client), query: query, timeout: timeout}, nil
}

func (p *PromFNRSource) FalseNegativeRate(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, warnings, err := p.api.Query(ctx, p.query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query false-negative rate: %w", err)
	}
	if len(warnings) > 0 {
		log.Warn().Strs("warnings", warnings).Str("query", p.query).Msg("prometheus query warnings")
	}
	return sampleValue(result)
}

func sampleValue(v promModel.Value) (float64, error) {
	var f float64
	switch r := v.(type) {
	case *promModel.Scalar:
		f = float64(r.Value)
	case promModel.Vector:
		if len(r) == 0 {
			return 0, fmt.Errorf("false-negative rate query returned no samples")
		}
		f = float64(r[0].Value)
	default:
		return 0, fmt.Errorf("unexpected result type: %T", v)
	}
	if math.IsNaN(f) {
		return 0, fmt.Errorf("false-negative rate is NaN")
	}
	return f, nil
}
