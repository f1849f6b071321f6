package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/seantiz/learnlab/internal/events"
	"github.com/seantiz/learnlab/internal/store"
)

// reporter delivers one stage run's events: publish to live subscribers, then
// persist with a per-run sequence for historical viewing. Both operations are
// fire-and-forget — failures are logged and swallowed, because observability
// must never become a correctness dependency for the stage itself.
type reporter struct {
	jobID  string
	pub    events.Publisher
	store  store.Store
	logger *slog.Logger
	seq    atomic.Int32
}

func newReporter(jobID string, pub events.Publisher, s store.Store, logger *slog.Logger) *reporter {
	return &reporter{jobID: jobID, pub: pub, store: s, logger: logger}
}

func (r *reporter) emit(e events.Event) {
	r.pub.Publish(r.jobID, e)

	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("marshal event", "job_id", r.jobID, "type", e.Type, "error", err)
		return
	}
	seq := int(r.seq.Add(1) - 1)
	if err := r.store.InsertEvent(context.Background(), r.jobID, seq, e.Type, payload); err != nil {
		r.logger.Error("persist event", "job_id", r.jobID, "seq", seq, "error", err)
	}
}

func (r *reporter) log(severity, message string) {
	r.emit(events.Log(severity, message))
}
