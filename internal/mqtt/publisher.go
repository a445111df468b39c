package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/logger"
)

// OutcomePayload is the JSON document published for every outcome.
type OutcomePayload struct {
	RequestID     string                  `json:"requestId"`
	Source        string                  `json:"source"`
	Timestamp     time.Time               `json:"timestamp"`
	Success       bool                    `json:"success"`
	IsTargetClass bool                    `json:"isTargetClass"`
	Confidence    float64                 `json:"confidence"`
	Label         string                  `json:"label,omitempty"`
	TopK          []classifier.LabelScore `json:"topK,omitempty"`
	Stage         string                  `json:"stage"`
	Message       string                  `json:"message"`
	Error         string                  `json:"error,omitempty"`
	ElapsedMs     float64                 `json:"elapsedMs"`
}

// ResultPublisher turns dispatcher outcomes into MQTT messages.
type ResultPublisher struct {
	client Client
	topic  string
	source string
	now    func() time.Time
}

// NewResultPublisher publishes to topic through client. source identifies
// this instance in payloads.
func NewResultPublisher(client Client, topic, source string) *ResultPublisher {
	return &ResultPublisher{client: client, topic: topic, source: source, now: time.Now}
}

// NewPayload builds the payload for out.
func (p *ResultPublisher) NewPayload(out dispatcher.Outcome) OutcomePayload {
	payload := OutcomePayload{
		RequestID:     out.RequestID,
		Source:        p.source,
		Timestamp:     p.now().UTC(),
		Success:       out.Succeeded(),
		IsTargetClass: out.Result.IsTargetClass,
		Confidence:    out.Result.Confidence,
		Label:         out.Result.Label,
		TopK:          out.Result.TopK,
		Stage:         out.Stage.String(),
		Message:       out.Message(),
		ElapsedMs:     float64(out.Elapsed.Microseconds()) / 1000,
	}
	if out.Err != nil {
		payload.Error = errors.ScrubMessage(out.Err.Error())
	}
	return payload
}

// PublishOutcome publishes out as JSON.
func (p *ResultPublisher) PublishOutcome(ctx context.Context, out dispatcher.Outcome) error {
	data, err := json.Marshal(p.NewPayload(out))
	if err != nil {
		return errors.New(fmt.Errorf("encode outcome: %w", err)).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Build()
	}
	if err := p.client.Publish(ctx, p.topic, data); err != nil {
		GetLogger().Warn("failed to publish outcome",
			logger.String("request_id", out.RequestID),
			logger.String("topic", p.topic),
			logger.Error(err))
		return err
	}
	return nil
}
