// actions.go — RegistryAction payloads published on the event bus.
package registry

import "github.com/brennhill/unified-browser-kernel/internal/ids"

// SessionCreated is published when CreateSession succeeds.
type SessionCreated struct {
	SessionID ids.SessionId
	Tenant    string
}

// PageAttached is published when AttachPage succeeds.
type PageAttached struct {
	SessionID ids.SessionId
	PageID    ids.PageId
	URL       string
}

// PageDetached is published when DetachPage runs.
type PageDetached struct {
	SessionID ids.SessionId
	PageID    ids.PageId
}

// PageLoadStateChanged is published when UpdatePageLoadState runs.
type PageLoadStateChanged struct {
	SessionID ids.SessionId
	PageID    ids.PageId
	LoadState LoadState
	URL       string
}

// SessionLost is published when a TransportReset marks a session failed.
type SessionLost struct {
	SessionID     ids.SessionId
	DetachedPages []ids.PageId
}

// FrameAttached is published when AttachFrame/AttachFrameWithID succeeds.
type FrameAttached struct {
	SessionID ids.SessionId
	PageID    ids.PageId
	FrameID   ids.FrameId
	ParentID  ids.FrameId
	URL       string
}

// FrameDetached is published when DetachFrame runs.
type FrameDetached struct {
	SessionID ids.SessionId
	PageID    ids.PageId
	FrameID   ids.FrameId
}
