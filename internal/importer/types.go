// Package importer executes import jobs: streaming spreadsheet rows or
// PDF archive entries through validate/match/commit phases, upserting
// persisted records and reporting per-step progress to subscribers.
package importer

import (
	"sync"
	"time"

	"github.com/labelflow/relabel/internal/upload"
)

// Phase is the state of an import job. Transitions are strictly
// queued -> validating -> matching -> committing -> done | error.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseValidating Phase = "validating"
	PhaseMatching   Phase = "matching"
	PhaseCommitting Phase = "committing"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

// Terminal reports whether the phase ends the job.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// RowError is a per-row failure. Row errors never abort the batch; they
// accumulate and ride along in the terminal done event.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Event is one progress update delivered to subscribers.
// Errors is populated on the terminal done event only.
type Event struct {
	Phase     Phase      `json:"phase"`
	Processed int        `json:"processed"`
	Total     int        `json:"total"`
	Message   string     `json:"message,omitempty"`
	Errors    []RowError `json:"errors,omitempty"`
}

// minEmitGap throttles row-level progress events so a fast job does not
// flood subscribers. Phase changes and terminal events always emit.
const minEmitGap = 100 * time.Millisecond

// Job is one in-flight or finished import. Progress is monotonic:
// processed only ever increases and never exceeds total, and total is
// fixed before matching begins.
type Job struct {
	ID    string
	Kind  upload.Kind
	Token string

	mu         sync.Mutex
	phase      Phase
	processed  int
	total      int
	rowErrors  []RowError
	startedAt  time.Time
	finishedAt time.Time
	lastEmit   time.Time
	listeners  []chan Event
	done       chan struct{}
}

// Phase returns the job's current phase.
func (j *Job) Phase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// Progress returns the current processed/total counters.
func (j *Job) Progress() (processed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.processed, j.total
}

// Errors returns a copy of the accumulated row errors.
func (j *Job) Errors() []RowError {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]RowError, len(j.rowErrors))
	copy(out, j.rowErrors)
	return out
}

// Done returns a channel closed when the job reaches a terminal phase.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// snapshotEvent builds an Event from the current state. Callers hold j.mu.
func (j *Job) snapshotEvent() Event {
	return Event{
		Phase:     j.phase,
		Processed: j.processed,
		Total:     j.total,
	}
}
