// Package events publishes document pipeline notifications to EventBridge.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

const (
	Source              = "healthcare.documents"
	DetailTypeRouted    = "Document Routed"
	DetailTypeProcessed = "Document Processed"
)

type eventBridgeAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher sends events to one bus. A publisher without a bus drops
// everything, as does a nil *Publisher.
type Publisher struct {
	api    eventBridgeAPI
	bus    string
	logger *slog.Logger
}

func NewPublisher(api eventBridgeAPI, bus string, logger *slog.Logger) (*Publisher, error) {
	bus = strings.TrimSpace(bus)
	if bus != "" && api == nil {
		return nil, errors.New("events: api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{api: api, bus: bus, logger: logger}, nil
}

// Publish sends one event with the pipeline source.
func (p *Publisher) Publish(ctx context.Context, detailType string, detail any) error {
	if p == nil || p.bus == "" {
		return nil
	}
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", detailType, err)
	}
	out, err := p.api.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(p.bus),
			Source:       aws.String(Source),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(body)),
		}},
	})
	if err != nil {
		return fmt.Errorf("events: put %s: %w", detailType, err)
	}
	if out.FailedEntryCount > 0 {
		reason := ""
		if len(out.Entries) > 0 {
			reason = aws.ToString(out.Entries[0].ErrorCode) + ": " + aws.ToString(out.Entries[0].ErrorMessage)
		}
		return fmt.Errorf("events: put %s: %d entries failed (%s)", detailType, out.FailedEntryCount, reason)
	}
	p.logger.Debug("event published", "detail_type", detailType, "bus", p.bus)
	return nil
}
