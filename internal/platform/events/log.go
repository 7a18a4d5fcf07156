package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes each event as a debug log line. It is the publisher
// used when no broker is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	evt := p.logger.Debug().
		Str("event_id", ev.ID.String()).
		Str("type", string(ev.Type)).
		Str("partner_id", ev.PartnerID.String())
	if ev.ItemID != nil {
		evt = evt.Str("item_id", ev.ItemID.String())
	}
	evt.Msg("event published")
	return nil
}
