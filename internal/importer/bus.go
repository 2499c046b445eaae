package importer

import "time"

// bus.go delivers ordered progress events from a running job to its
// subscribers. Subscribers see events from their subscription point
// onward; there is no replay of earlier history. A subscriber that
// connects mid-job receives the job's current state as its first event,
// then everything published afterwards.

// Subscribe registers a listener on the job. The returned channel
// receives every subsequent event and is closed when the job reaches a
// terminal phase. Slow consumers have events dropped rather than
// blocking the job; the terminal event is always delivered because the
// channel buffer is reserved for it by the drop policy below.
func (j *Job) Subscribe() <-chan Event {
	ch := make(chan Event, 16)

	j.mu.Lock()
	if j.phase.Terminal() {
		// Job already finished: deliver the terminal state and close.
		ev := j.snapshotEvent()
		ev.Errors = j.rowErrors
		j.mu.Unlock()
		ch <- ev
		close(ch)
		return ch
	}
	j.listeners = append(j.listeners, ch)
	// Send the current state while still holding the lock: the channel
	// is fresh and buffered so this cannot block, and it cannot race a
	// concurrent close from terminate.
	ch <- j.snapshotEvent()
	j.mu.Unlock()

	return ch
}

// setPhase transitions the job and always emits, bypassing throttling.
func (j *Job) setPhase(p Phase) {
	j.mu.Lock()
	j.phase = p
	ev := j.snapshotEvent()
	listeners := j.listeners
	j.lastEmit = time.Now()
	j.mu.Unlock()

	broadcast(listeners, ev, false)
}

// setTotal fixes the row/entry count before matching begins.
func (j *Job) setTotal(total int) {
	j.mu.Lock()
	j.total = total
	j.mu.Unlock()
}

// advance increments processed and emits a throttled progress event.
func (j *Job) advance() {
	j.mu.Lock()
	j.processed++
	final := j.processed == j.total
	now := time.Now()
	if !final && now.Sub(j.lastEmit) < minEmitGap {
		j.mu.Unlock()
		return
	}
	j.lastEmit = now
	ev := j.snapshotEvent()
	listeners := j.listeners
	j.mu.Unlock()

	broadcast(listeners, ev, false)
}

// addRowError records a per-row failure without advancing progress.
func (j *Job) addRowError(line int, reason string) {
	j.mu.Lock()
	j.rowErrors = append(j.rowErrors, RowError{Line: line, Reason: reason})
	j.mu.Unlock()
}

// finish moves the job to done, emits the terminal event carrying the
// accumulated row errors, and closes all listener channels.
func (j *Job) finish() {
	j.terminate(PhaseDone, "")
}

// fail moves the job to error with a human-readable reason. Used only
// for whole-job failures; row errors never call this.
func (j *Job) fail(reason string) {
	j.terminate(PhaseError, reason)
}

func (j *Job) terminate(p Phase, message string) {
	j.mu.Lock()
	if j.phase.Terminal() {
		j.mu.Unlock()
		return
	}
	j.phase = p
	j.finishedAt = time.Now()
	ev := j.snapshotEvent()
	ev.Message = message
	ev.Errors = j.rowErrors
	listeners := j.listeners
	j.listeners = nil
	j.mu.Unlock()

	broadcast(listeners, ev, true)
	close(j.done)
}

// broadcast fans an event out to listeners. The job goroutine is the
// only sender, so buffer occupancy checks are race-free. Non-terminal
// events are dropped once a listener's buffer is nearly full; the last
// slot stays reserved so the terminal event always lands without
// blocking the job on a stalled subscriber.
func broadcast(listeners []chan Event, ev Event, terminal bool) {
	for _, ch := range listeners {
		if terminal {
			select {
			case ch <- ev:
			default:
			}
			close(ch)
			continue
		}
		if len(ch) < cap(ch)-1 {
			ch <- ev
		}
	}
}
