// executor.go — Tool executor contract (spec §6, §9 redesign note: dynamic
// dispatch across tool implementations replaced by a capability set the
// scheduler calls through, without knowing individual tools statically).
package scheduler

import (
	"context"
	"time"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/policy"
)

// ToolCtx bundles everything a tool executor needs for one attempt.
type ToolCtx struct {
	Route    ids.ExecRoute
	Deadline time.Time
	Cancel   *CancelToken
	Policy   *policy.Snapshot
	ActionID ids.ActionId
	Attempt  int
}

// ToolOutput is a tool's successful result; opaque to the scheduler.
type ToolOutput struct {
	Data any
}

// ToolError is a tool-declared domain failure. Kind drives retry/self-heal
// classification; Retryable lets the tool override the Kind's default.
type ToolError struct {
	Kind      kernelerr.Kind
	Message   string
	Retryable bool
}

func (e *ToolError) Error() string { return e.Message }

// ToolExecutor is implemented by collaborators outside the core (the
// perception-aware action layer) and installed once at composition time
// through SetExecutor; it receives the tool name on every call, so the
// scheduler never knows concrete tool implementations.
type ToolExecutor interface {
	Execute(ctx context.Context, tc ToolCtx, toolName string, params any) (ToolOutput, error)
}

// FailureDescriptor is what the Self-Heal Registry matches strategies
// against after a DispatchEvent{status:failed} (spec §4.8).
type FailureDescriptor struct {
	ActionID ids.ActionId
	CallID   ids.CallId
	Tool     string
	Route    ids.ExecRoute
	Attempt  int
	Kind     kernelerr.Kind
	Tags     map[string]string
}

// SelfHealDecision is the Self-Heal Registry's answer for one failure.
type SelfHealDecision struct {
	Action          string // "auto_retry" | "annotate" | "human_approval" | "none"
	ExtraAttempts   int
	Severity        string
	Note            string
	ApprovalTimeout time.Duration
	// Resume is only set for Action=="human_approval": true resumes the
	// parked call, a close or false cancels it.
	Resume <-chan bool
}

// SelfHealer is consulted by the scheduler after every failed attempt.
type SelfHealer interface {
	Consult(fd FailureDescriptor) SelfHealDecision
}
