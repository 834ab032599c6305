package scheduler

import "time"

// queueEntry is one ready step waiting for admission. eligibleAt is now for
// freshly promoted steps and now+backoff for retries.
type queueEntry struct {
	stepID     string
	index      int
	eligibleAt time.Time
}

// readyQueue holds ready steps until the concurrency budget admits them.
// It is small (bounded by workflow width) so linear scans beat a heap: the
// admission rule needs the lowest declaration index among currently eligible
// entries, which a time-ordered heap cannot answer directly.
type readyQueue struct {
	entries []queueEntry
}

func (q *readyQueue) push(e queueEntry) {
	q.entries = append(q.entries, e)
}

func (q *readyQueue) empty() bool {
	return len(q.entries) == 0
}

// popEligible removes and returns the eligible entry with the lowest
// declaration index, if any entry's eligibleAt has passed.
func (q *readyQueue) popEligible(now time.Time) (queueEntry, bool) {
	best := -1
	for i, e := range q.entries {
		if e.eligibleAt.After(now) {
			continue
		}
		if best == -1 || e.index < q.entries[best].index {
			best = i
		}
	}
	if best == -1 {
		return queueEntry{}, false
	}
	entry := q.entries[best]
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return entry, true
}

// nextDelay returns how long until the earliest entry becomes eligible.
func (q *readyQueue) nextDelay(now time.Time) (time.Duration, bool) {
	if len(q.entries) == 0 {
		return 0, false
	}
	earliest := q.entries[0].eligibleAt
	for _, e := range q.entries[1:] {
		if e.eligibleAt.Before(earliest) {
			earliest = e.eligibleAt
		}
	}
	delay := earliest.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
