// queue.go — Priority queue with per-class weighting and oldest-submission
// tiebreak (spec §4.6 Queueing/Fairness). Guarded by a single mutex held
// only for the O(1)-ish enqueue/remove operations the scheduler performs.
package scheduler

import (
	"sort"
	"sync"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

type queueItem struct {
	call *ToolCall
	seq  int64
}

// Queue holds admitted-but-unclaimed calls.
type Queue struct {
	mu       sync.Mutex
	items    []*queueItem
	nextSeq  int64
	byAction map[ids.ActionId]*queueItem
	byCall   map[ids.CallId]*queueItem
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		byAction: make(map[ids.ActionId]*queueItem),
		byCall:   make(map[ids.CallId]*queueItem),
	}
}

// Push enqueues an admitted call.
func (q *Queue) Push(call *ToolCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	item := &queueItem{call: call, seq: q.nextSeq}
	q.items = append(q.items, item)
	q.byAction[call.ActionID] = item
	if call.CallID != "" {
		q.byCall[call.CallID] = item
	}
}

// Len reports the number of queued (unclaimed) calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RemoveByAction removes and returns a queued call by action id, for
// cancel(action_id) against a call that has not yet been claimed.
func (q *Queue) RemoveByAction(id ids.ActionId) (*ToolCall, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byAction[id]
	if !ok {
		return nil, false
	}
	q.removeItem(item)
	return item.call, true
}

// RemoveByCall removes and returns a queued call by idempotency key, for
// cancel_call(call_id).
func (q *Queue) RemoveByCall(id ids.CallId) (*ToolCall, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byCall[id]
	if !ok {
		return nil, false
	}
	q.removeItem(item)
	return item.call, true
}

// RemoveAllByTask removes and returns every queued call bearing task id, for
// cancel_task(task_id).
func (q *Queue) RemoveAllByTask(id ids.TaskId) []*ToolCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*ToolCall
	remaining := q.items[:0]
	for _, item := range q.items {
		if item.call.TaskID == id {
			removed = append(removed, item.call)
			delete(q.byAction, item.call.ActionID)
			if item.call.CallID != "" {
				delete(q.byCall, item.call.CallID)
			}
			continue
		}
		remaining = append(remaining, item)
	}
	q.items = remaining
	return removed
}

// PopEligible returns the highest-priority call (ties broken by oldest
// submission) for which eligible returns true, removing it from the queue.
// Calls for which eligible returns false (route mutex held, cap reached)
// remain queued and do not block other routes' progress.
func (q *Queue) PopEligible(eligible func(*ToolCall) bool) (*ToolCall, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	sorted := append([]*queueItem(nil), q.items...)
	sort.Slice(sorted, func(i, j int) bool {
		wi, wj := weightOf(sorted[i].call.Priority), weightOf(sorted[j].call.Priority)
		if wi != wj {
			return wi > wj
		}
		return sorted[i].seq < sorted[j].seq
	})
	for _, item := range sorted {
		if eligible(item.call) {
			q.removeItem(item)
			return item.call, true
		}
	}
	return nil, false
}

func (q *Queue) removeItem(item *queueItem) {
	delete(q.byAction, item.call.ActionID)
	if item.call.CallID != "" {
		delete(q.byCall, item.call.CallID)
	}
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
