package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []*model.Alert
	err    error
}

func (s *recordingSink) Submit(_ context.Context, a *model.Alert) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

type staticMarker bool

func (m staticMarker) TryMark(context.Context, string, time.Duration) (bool, error) {
	return bool(m), nil
}

var startsAt = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func webhook() AMWebhook {
	return AMWebhook{
		Status:       "firing",
		CommonLabels: KV{"env": "prod"},
		Alerts: []AMAlert{
			{
				Status:      "firing",
				Labels:      KV{"alertname": "HighCPU", "svc": "api", "severity": "P0"},
				Annotations: KV{"description": "cpu above 90%"},
				StartsAt:    startsAt,
				Fingerprint: "f1",
			},
			{
				Status:   "firing",
				Labels:   KV{"alertname": "DiskFull", "service": "db", "severity": "bogus"},
				StartsAt: startsAt,
			},
		},
	}
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	return r
}

func TestRegisterMountsIntakeRoutes(t *testing.T) {
	r := newRouter(NewHandler(&recordingSink{}))
	got := map[string]string{}
	for _, ri := range r.Routes() {
		got[ri.Path] = ri.Method
	}
	assert.Equal(t, http.MethodPost, got[WebhookPath])
	assert.Equal(t, http.MethodPost, got[AlertsPath])
	assert.Len(t, got, 2)
}

func post(t *testing.T, r http.Handler, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const webhookPath = "/v1/integrations/alertmanager/webhook"

func TestMapToAlert(t *testing.T) {
	w := webhook()
	a, err := MapToAlert(&w, &w.Alerts[0])
	require.NoError(t, err)
	assert.Equal(t, "f1-"+"1780308000", a.ID)
	assert.Equal(t, "HighCPU", a.Name)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, "api", a.Service)
	assert.Equal(t, "prod", a.Environment)
	assert.Equal(t, "cpu above 90%", a.Description)
	assert.NotContains(t, a.Labels, "alertname")
	assert.Equal(t, startsAt, a.FiredAt)

	b, err := MapToAlert(&w, &w.Alerts[1])
	require.NoError(t, err)
	assert.Equal(t, model.SeverityWarning, b.Severity, "unknown severities fall back to warning")
	b2, err := MapToAlert(&w, &w.Alerts[1])
	require.NoError(t, err)
	assert.Equal(t, b.ID, b2.ID, "derived ids are stable")
}

func TestValidateAMWebhook(t *testing.T) {
	w := webhook()
	require.NoError(t, ValidateAMWebhook(&w))

	w.Alerts[1].Labels = KV{}
	assert.ErrorIs(t, ValidateAMWebhook(&w), ErrInvalidPayload)
	assert.ErrorIs(t, ValidateAMWebhook(&AMWebhook{Status: "firing"}), ErrInvalidPayload)
}

func TestWebhookQueuesAndDedupes(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(NewHandler(sink))

	w := post(t, r, webhookPath, webhook())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"accepted":2`)

	w = post(t, r, webhookPath, webhook())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicates":2`)
	assert.Len(t, sink.alerts, 2)
}

func TestWebhookIgnoresResolved(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(NewHandler(sink))
	body := webhook()
	body.Status = "resolved"
	w := post(t, r, webhookPath, body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sink.alerts)
}

func TestWebhookSharedMarker(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(NewHandler(sink, WithMarker(staticMarker(false))))
	w := post(t, r, webhookPath, webhook())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sink.alerts, "another replica claimed every key")
}

func TestWebhookRejectsBadPayload(t *testing.T) {
	r := newRouter(NewHandler(&recordingSink{}))
	w := post(t, r, webhookPath, map[string]any{"status": "firing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookBackpressure(t *testing.T) {
	r := newRouter(NewHandler(&recordingSink{err: ErrBackpressure}))
	w := post(t, r, webhookPath, webhook())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookAuth(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(NewHandler(sink, WithAuth(NewAuth("am", "secret", "tok"))))

	assert.Equal(t, http.StatusUnauthorized, post(t, r, webhookPath, webhook()).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, r, webhookPath, webhook(), func(req *http.Request) {
		req.SetBasicAuth("am", "wrong")
	}).Code)
	assert.Equal(t, http.StatusOK, post(t, r, webhookPath, webhook(), func(req *http.Request) {
		req.SetBasicAuth("am", "secret")
	}).Code)
	body := webhook()
	body.Alerts[0].Fingerprint = "f2"
	assert.Equal(t, http.StatusOK, post(t, r, webhookPath, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer tok")
	}).Code)
	assert.Len(t, sink.alerts, 3)
}

func TestPostAlerts(t *testing.T) {
	sink := &recordingSink{}
	r := newRouter(NewHandler(sink))

	w := post(t, r, "/v1/alerts", []model.Alert{{ID: "x", Name: "HighCPU", Labels: map[string]string{"APP": "api"}}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, "api", sink.alerts[0].Labels["service"])
	assert.False(t, sink.alerts[0].FiredAt.IsZero())

	w = post(t, r, "/v1/alerts", []model.Alert{{Name: "no id"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChannelSink(t *testing.T) {
	ch := make(chan *model.Alert, 1)
	s := NewChannelSink(ch)
	require.NoError(t, s.Submit(context.Background(), &model.Alert{ID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, &model.Alert{ID: "b"})
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafkaSource(t *testing.T) {
	native, _ := json.Marshal(model.Alert{ID: "k1", Name: "HighCPU", Service: "api"})
	am, _ := json.Marshal(webhook())
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: native},
			{Offset: 2, Value: []byte("not json")},
			{Offset: 3, Value: am},
		},
	}
	sink := &recordingSink{}
	src := &KafkaSource{reader: reader, sink: sink}

	require.NoError(t, src.Run(ctx))
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	require.Len(t, sink.alerts, 3)
	assert.Equal(t, "k1", sink.alerts[0].ID)
	assert.Equal(t, "HighCPU", sink.alerts[1].Name)
}

func TestKafkaSourceStopsOnSinkError(t *testing.T) {
	native, _ := json.Marshal(model.Alert{ID: "k1", Name: "HighCPU"})
	reader := &fakeReader{cancel: func() {}, msgs: []kafka.Message{{Offset: 7, Value: native}}}
	src := &KafkaSource{reader: reader, sink: &recordingSink{err: errors.New("closed")}}
	assert.Error(t, src.Run(context.Background()))
	assert.Empty(t, reader.committed)
}
