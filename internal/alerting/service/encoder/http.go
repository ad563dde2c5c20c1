package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// HTTPConfig configures the remote embedding runtime client.
type HTTPConfig struct {
	URL       string
	Model     string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	BatchSize int
}

// HTTPEncoder calls an external embedding runtime:
//
//	POST {url}  {"model": "...", "inputs": ["text", ...]}
//	200         {"embeddings": [[...], ...]}
//
// The dimension is discovered during Initialize.
type HTTPEncoder struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter

	mu  sync.RWMutex
	dim int
}

type embedRequest struct {
	Model  string   `json:"model,omitempty"`
	Inputs []string `json:"inputs"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func NewHTTPEncoder(cfg HTTPConfig) *HTTPEncoder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPEncoder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

// Initialize probes the runtime once to learn the embedding dimension.
func (e *HTTPEncoder) Initialize(ctx context.Context) error {
	if e.Ready() {
		return nil
	}
	vecs, err := e.call(ctx, []string{"ping"})
	if err != nil {
		return err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return errors.New("embedding runtime returned no vector")
	}
	e.mu.Lock()
	e.dim = len(vecs[0])
	e.mu.Unlock()
	log.Info().Str("url", e.cfg.URL).Int("dimension", len(vecs[0])).Msg("embedding runtime ready")
	return nil
}

func (e *HTTPEncoder) Ready() bool { return e.Dimension() > 0 }

func (e *HTTPEncoder) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dim
}

func (e *HTTPEncoder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *HTTPEncoder) Info() Info {
	return Info{Model: e.cfg.Model, Dimension: e.Dimension(), MaxLength: MaxInputRunes, Ready: e.Ready()}
}

func (e *HTTPEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *HTTPEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	dim := e.Dimension()
	if dim == 0 {
		return nil, model.ErrNotReady
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		chunk := make([]string, end-start)
		for i, t := range texts[start:end] {
			chunk[i] = CleanText(t)
		}
		vecs, err := e.call(ctx, chunk)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(chunk) {
			return nil, fmt.Errorf("embedding runtime returned %d vectors for %d inputs", len(vecs), len(chunk))
		}
		for _, v := range vecs {
			if len(v) != dim {
				return nil, fmt.Errorf("embedding runtime returned dimension %d, expected %d", len(v), dim)
			}
			out = append(out, Normalize(v))
		}
	}
	return out, nil
}

func (e *HTTPEncoder) call(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(embedRequest{Model: e.cfg.Model, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, model.Retryable("embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding runtime status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, model.Retryable("embed", err)
		}
		return nil, err
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return out.Embeddings, nil
}
