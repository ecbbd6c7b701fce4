package sink

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Fanout forwards every event to each sink in order. A failing sink is
// logged and does not prevent delivery to the others.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add appends a sink. It must be called before events flow.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Emit(ctx, e); err != nil {
			log.Warn().Err(err).Str("event_id", e.ID).Str("stream_id", e.StreamID).Msg("Detection sink failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
