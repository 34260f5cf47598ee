// types.go — Session/page/frame graph types (spec §3 Data Model).
package registry

import (
	"time"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionActive       SessionStatus = "active"
	SessionIdle         SessionStatus = "idle"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// LoadState is the navigation lifecycle state of a Page.
type LoadState string

const (
	LoadBlank       LoadState = "blank"
	LoadLoading     LoadState = "loading"
	LoadInteractive LoadState = "interactive"
	LoadComplete    LoadState = "complete"
	LoadFailed      LoadState = "failed"
)

// Session is a logical unit of automation owning one browser context.
// Immutable copy returned to callers; mutation only happens inside the
// Registry under the owning session lock.
type Session struct {
	ID         ids.SessionId
	Tenant     string
	CreatedAt  time.Time
	Status     SessionStatus
	PageIDs    []ids.PageId
	ShareToken string
}

// PageHealth is the derived aggregate network/activity summary for a Page.
type PageHealth struct {
	InFlight       int
	Responses2xx   int
	Responses4xx   int
	Responses5xx   int
	LastActivityAt time.Time
	Quiet          bool
}

// Page is a top-level tab within a session.
type Page struct {
	ID             ids.PageId
	SessionID      ids.SessionId // non-owning back-reference, resolved through the Registry
	URL            string
	LoadState      LoadState
	RootFrameID    ids.FrameId
	Health         PageHealth
	LastActivityAt time.Time
}

// Frame is a document tree node.
type Frame struct {
	ID       ids.FrameId
	ParentID ids.FrameId // zero value for the root frame
	PageID   ids.PageId
	URL      string
	Attached bool
}

// NetworkSnapshot summarizes network activity for a page over a rolling
// window; produced externally (the perception stack) and applied via
// ApplyNetworkSnapshot.
type NetworkSnapshot struct {
	InFlightDelta  int
	Responses2xx   int
	Responses4xx   int
	Responses5xx   int
	ObservedAt     time.Time
	QuietThreshold time.Duration
}

// TargetInfo is returned by ResolveRoute: the concrete, currently-valid
// target for an ExecRoute, plus the per-route mutex key.
type TargetInfo struct {
	Route     ids.ExecRoute
	RouteKey  ids.RouteKey
	URL       string
	LoadState LoadState
}

// StaleReason explains why ResolveRoute could not produce a TargetInfo.
type StaleReason string

const (
	ReasonSessionGone StaleReason = "session_gone"
	ReasonPageGone    StaleReason = "page_gone"
	ReasonFrameGone   StaleReason = "frame_gone"
)

// RouteStaleError is returned by ResolveRoute on any of the three stale cases.
type RouteStaleError struct {
	Reason StaleReason
	Route  ids.ExecRoute
}

func (e *RouteStaleError) Error() string {
	return "route stale: " + string(e.Reason)
}
