package storage

import (
	"github.com/rs/zerolog/log"

	"feedpool/internal/events"
	"feedpool/internal/pool"
)

// Recorder persists bus events into a Store. Write failures are logged and
// dropped; history is best effort and never blocks the pool.
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder over store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Attach subscribes the recorder to bus. Returns an unsubscribe function
// detaching all handlers.
func (r *Recorder) Attach(bus *events.Bus) func() {
	unsubStatus := bus.Subscribe(events.TopicStatusChanged, func(ev events.Event) {
		ch, ok := ev.Payload.(pool.StatusChanged)
		if !ok {
			return
		}
		err := r.store.RecordTransition(Transition{
			ConnectionID:   ch.ConnectionID,
			PreviousStatus: ch.PreviousStatus,
			NewStatus:      ch.NewStatus,
			Cause:          ch.Cause,
			Timestamp:      ch.Timestamp,
		})
		if err != nil {
			log.Warn().Err(err).Str("connection", ch.ConnectionID).Msg("record transition failed")
		}
	})
	unsubStats := bus.Subscribe(events.TopicStatistics, func(ev events.Event) {
		stats, ok := ev.Payload.(pool.PoolStatistics)
		if !ok {
			return
		}
		for _, snap := range stats.Connections {
			if err := r.store.RecordSnapshot(snap, stats.GeneratedAt); err != nil {
				log.Warn().Err(err).Str("connection", snap.ID).Msg("record snapshot failed")
			}
		}
	})
	return func() {
		unsubStatus()
		unsubStats()
	}
}
