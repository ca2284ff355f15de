package server

import (
	"context"

	"github.com/avernet/paylane/internal/relayer"
	"github.com/avernet/paylane/internal/session"
	"github.com/avernet/paylane/internal/settlement"
)

// eventSink is implemented by anything that consumes all three lifecycle
// event streams (webhook emitter, realtime feed).
type eventSink interface {
	session.Events
	relayer.Events
	settlement.Events
}

// eventFanout delivers each event to every attached sink.
type eventFanout struct {
	sinks []eventSink
}

func (f *eventFanout) SessionEvent(ctx context.Context, event string, s *session.Session) {
	for _, sink := range f.sinks {
		sink.SessionEvent(ctx, event, s)
	}
}

func (f *eventFanout) RelayEvent(ctx context.Context, event string, sub *relayer.Submission) {
	for _, sink := range f.sinks {
		sink.RelayEvent(ctx, event, sub)
	}
}

func (f *eventFanout) SettlementEvent(ctx context.Context, event string, rec *settlement.Record) {
	for _, sink := range f.sinks {
		sink.SettlementEvent(ctx, event, rec)
	}
}
