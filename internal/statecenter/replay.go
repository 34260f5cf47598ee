// replay.go — Collaborator-facing replay reads: independent cursors over a
// scope's ring, and a comparison helper that diffs two replay exports the
// way named snapshots are diffed (per-topic before/after counts with a
// percentage-change regression threshold).
package statecenter

// ReplayCursor tracks one observer's read position over a single scope's
// ring. Multiple observers hold independent cursors and never contend on a
// shared read position; a cursor that falls behind a ring's eviction is
// clamped forward to the oldest surviving entry on the next read.
type ReplayCursor struct {
	scope  Scope
	cursor Cursor
}

// NewReplayCursor starts a cursor at the beginning of scope's surviving
// history.
func (l *EventLog) NewReplayCursor(scope Scope) *ReplayCursor {
	return &ReplayCursor{scope: scope}
}

// ReadSince returns up to limit events written after the cursor's last
// read, advancing the cursor. A nil result means the observer is caught up.
func (l *EventLog) ReadSince(rc *ReplayCursor, limit int) []Event {
	ring := l.ringForScope(rc.scope)
	if ring == nil {
		return nil
	}
	events, next := ring.ReadFrom(rc.cursor, limit)
	rc.cursor = next
	return events
}

// TopicDelta is one topic's before/after comparison in a ReplayDiff.
type TopicDelta struct {
	Before    int
	After     int
	PctChange float64 // 0 when both are 0; 100 when only Before is 0; else (After-Before)/Before*100
	Regressed bool
}

// ReplayDiff is the result of comparing two replay exports.
type ReplayDiff struct {
	Topics    map[string]TopicDelta
	Regressed bool
}

// CompareReplays diffs two replay exports by per-topic event count. A topic
// regresses when its count grew and the growth meets regressionPct (a
// percentage; non-positive values fall back to 20). New topics count their
// growth from zero as a 100% change.
func CompareReplays(before, after []Event, regressionPct float64) ReplayDiff {
	if regressionPct <= 0 {
		regressionPct = 20
	}

	counts := func(events []Event) map[string]int {
		m := make(map[string]int)
		for _, e := range events {
			m[e.Topic]++
		}
		return m
	}
	beforeCounts := counts(before)
	afterCounts := counts(after)

	topics := make(map[string]struct{}, len(beforeCounts)+len(afterCounts))
	for t := range beforeCounts {
		topics[t] = struct{}{}
	}
	for t := range afterCounts {
		topics[t] = struct{}{}
	}

	diff := ReplayDiff{Topics: make(map[string]TopicDelta, len(topics))}
	for t := range topics {
		b, a := beforeCounts[t], afterCounts[t]
		delta := TopicDelta{Before: b, After: a}
		switch {
		case b == 0 && a == 0:
		case b == 0:
			delta.PctChange = 100
		default:
			delta.PctChange = float64(a-b) / float64(b) * 100
		}
		if a > b && delta.PctChange >= regressionPct {
			delta.Regressed = true
			diff.Regressed = true
		}
		diff.Topics[t] = delta
	}
	return diff
}
