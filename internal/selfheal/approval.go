// approval.go — ApprovalSink implementations for the human_approval action
// (spec §4.8, §4.11 domain stack). The default is an in-process buffered
// channel per parked call id; RedisApprovals mirrors resolutions through
// redis pub/sub so a separate approval UI process can resume or cancel a
// call parked on a different kernel replica.
package selfheal

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

// InProcessApprovals is the default ApprovalSink: a map of action id to a
// one-shot buffered channel, resolved by a same-process approval call.
type InProcessApprovals struct {
	mu      sync.Mutex
	pending map[ids.ActionId]chan bool
}

// NewInProcessApprovals builds an empty in-process approval sink.
func NewInProcessApprovals() *InProcessApprovals {
	return &InProcessApprovals{pending: make(map[ids.ActionId]chan bool)}
}

// Await registers a pending approval and returns its resume channel.
func (a *InProcessApprovals) Await(actionID ids.ActionId) <-chan bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan bool, 1)
	a.pending[actionID] = ch
	return ch
}

// Resolve delivers the approval decision and releases the pending entry. A
// resolve against an unknown action id (already resolved, or never parked)
// is a silent no-op, matching the scheduler's own idempotent-cancel texture.
func (a *InProcessApprovals) Resolve(actionID ids.ActionId, approve bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[actionID]
	if !ok {
		return
	}
	delete(a.pending, actionID)
	ch <- approve
	close(ch)
}

// RedisApprovals brokers human_approval resolutions over redis pub/sub
// (grounded in goadesign-goa-ai and jordigilh-kubernaut's go.mod use of
// redis/go-redis/v9) so an external approval UI — a collaborator outside
// the core — can resume or cancel a call parked on any kernel replica. The
// in-process map remains authoritative for Await/local delivery; redis is
// the fan-in path a remote Resolve arrives through.
type RedisApprovals struct {
	*InProcessApprovals
	client  *redis.Client
	channel string
	log     logr.Logger
	cancel  context.CancelFunc
}

// approvalMessage is the wire shape published on the redis channel.
type approvalMessage struct {
	ActionID string `json:"action_id"`
	Approve  bool   `json:"approve"`
}

// NewRedisApprovals starts a subscriber goroutine on channel that decodes
// approvalMessage payloads and resolves the matching locally-parked call.
func NewRedisApprovals(client *redis.Client, channel string, log logr.Logger) *RedisApprovals {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisApprovals{
		InProcessApprovals: NewInProcessApprovals(),
		client:             client,
		channel:            channel,
		log:                log.WithName("selfheal.redis"),
		cancel:             cancel,
	}
	go r.subscribeLoop(ctx)
	return r
}

func (r *RedisApprovals) subscribeLoop(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			actionID, approve, err := decodeApprovalMessage(msg.Payload)
			if err != nil {
				r.log.Error(err, "malformed approval message", "payload", msg.Payload)
				continue
			}
			r.InProcessApprovals.Resolve(actionID, approve)
		}
	}
}

// PublishResolve is called by the local approval API handler to broadcast
// a resolution to every kernel replica subscribed to the channel (used in
// addition to, not instead of, the local InProcessApprovals.Resolve path).
func (r *RedisApprovals) PublishResolve(ctx context.Context, actionID ids.ActionId, approve bool) error {
	payload := encodeApprovalMessage(actionID, approve)
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Close stops the subscriber goroutine.
func (r *RedisApprovals) Close() { r.cancel() }

var _ ApprovalSink = (*InProcessApprovals)(nil)
var _ ApprovalSink = (*RedisApprovals)(nil)
