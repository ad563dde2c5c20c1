package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the subset of *kafka.Reader used here.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads alerts published as JSON on a topic. Offsets are
// committed only after an alert was queued, so a crash replays it.
type KafkaSource struct {
	reader messageReader
	sink   Sink
}

func NewKafkaSource(cfg KafkaConfig, sink Sink) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return &KafkaSource{reader: r, sink: sink}
}

// decodeMessage accepts a single native alert or an Alertmanager payload.
func decodeMessage(v []byte) ([]*model.Alert, error) {
	var probe struct {
		Alerts json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(v, &probe); err != nil {
		return nil, err
	}
	if len(probe.Alerts) > 0 {
		var w AMWebhook
		if err := json.Unmarshal(v, &w); err != nil {
			return nil, err
		}
		if err := ValidateAMWebhook(&w); err != nil {
			return nil, err
		}
		out := make([]*model.Alert, 0, len(w.Alerts))
		for i := range w.Alerts {
			a, err := MapToAlert(&w, &w.Alerts[i])
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}
	var a model.Alert
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, err
	}
	if err := ValidateAlert(&a); err != nil {
		return nil, err
	}
	if a.FiredAt.IsZero() {
		a.FiredAt = time.Now().UTC()
	}
	a.Labels = model.NormalizeLabels(a.Labels, LabelAliases)
	return []*model.Alert{&a}, nil
}

// Run consumes until ctx is cancelled. Undecodable messages are logged and
// committed so they do not block the partition.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.reader.Close()
	log.Info().Msg("kafka alert source started")
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("kafka read error")
			continue
		}
		alerts, err := decodeMessage(m.Value)
		if err != nil {
			log.Warn().Err(err).Str("topic", m.Topic).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("dropping undecodable alert message")
		}
		for _, a := range alerts {
			if err := s.sink.Submit(ctx, a); err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("kafka commit failed")
		}
	}
}
