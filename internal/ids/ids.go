// ids.go — Opaque identifiers for the kernel's routing graph.
// Every identifier is a UUIDv4 string wrapped in a distinct type so the
// compiler catches a SessionId passed where a PageId is expected.
package ids

import "github.com/google/uuid"

// SessionId identifies a logical automation unit owning one browser context.
type SessionId string

// PageId identifies a top-level tab within a session.
type PageId string

// FrameId identifies a document-tree node within a page.
type FrameId string

// ActionId identifies one submitted ToolCall; every dispatch attempt of that
// call shares it.
type ActionId string

// CallId is the client-supplied idempotency key for a ToolCall.
type CallId string

// TaskId groups ToolCalls for bulk cancellation and external correlation.
type TaskId string

// NewSessionId generates a fresh, globally unique SessionId.
func NewSessionId() SessionId { return SessionId(uuid.NewString()) }

// NewPageId generates a fresh, globally unique PageId.
func NewPageId() PageId { return PageId(uuid.NewString()) }

// NewFrameId generates a fresh, globally unique FrameId.
func NewFrameId() FrameId { return FrameId(uuid.NewString()) }

// NewActionId generates a fresh, globally unique ActionId.
func NewActionId() ActionId { return ActionId(uuid.NewString()) }

// NewTaskId generates a fresh, globally unique TaskId.
func NewTaskId() TaskId { return TaskId(uuid.NewString()) }

// ExecRoute selects a concrete target inside a browser instance.
// (SessionId, PageId) is the per-route mutex key; FrameId is optional.
type ExecRoute struct {
	SessionId SessionId
	PageId    PageId
	FrameId   FrameId // zero value means "no frame pinned"
}

// RouteKey returns the per-route mutex key for this route.
func (r ExecRoute) RouteKey() RouteKey {
	return RouteKey{SessionId: r.SessionId, PageId: r.PageId}
}

// HasFrame reports whether a specific frame was pinned on this route.
func (r ExecRoute) HasFrame() bool { return r.FrameId != "" }

// RouteKey is the (session_id, page_id) pair guarding serial execution
// against a single tab — the per-route mutex key.
type RouteKey struct {
	SessionId SessionId
	PageId    PageId
}

// String renders a route key for logging and metric labels.
func (k RouteKey) String() string {
	return string(k.SessionId) + "/" + string(k.PageId)
}
