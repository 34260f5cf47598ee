// registry.go — Authoritative in-memory session/page/frame graph.
// Lock ordering: Registry.mu is position 1 (outermost), before any
// sessionEntry.mu — never the reverse. Mirrors the teacher's
// ClientRegistry.mu-before-ClientState.mu discipline, generalized from
// per-client isolation to per-session isolation.
package registry

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

// sessionEntry holds one session's data behind its own lock, so mutating
// page/frame state never contends with an unrelated session's traffic.
type sessionEntry struct {
	mu      sync.RWMutex
	session Session
	pages   map[ids.PageId]*Page
	frames  map[ids.FrameId]*Frame
}

// Registry is the authoritative session/page/frame graph (spec §4.3).
type Registry struct {
	mu       sync.RWMutex
	sessions map[ids.SessionId]*sessionEntry
	bus      *eventbus.Bus
	log      logr.Logger
}

// New creates an empty Registry publishing RegistryAction events on bus.
func New(bus *eventbus.Bus, log logr.Logger) *Registry {
	return &Registry{
		sessions: make(map[ids.SessionId]*sessionEntry),
		bus:      bus,
		log:      log.WithName("registry"),
	}
}

// CreateSession creates a new Session owned exclusively by the Registry.
func (r *Registry) CreateSession(tenant string) ids.SessionId {
	id := ids.NewSessionId()
	entry := &sessionEntry{
		session: Session{
			ID:        id,
			Tenant:    tenant,
			CreatedAt: time.Now(),
			Status:    SessionInitializing,
			PageIDs:   nil,
		},
		pages:  make(map[ids.PageId]*Page),
		frames: make(map[ids.FrameId]*Frame),
	}

	r.mu.Lock()
	r.sessions[id] = entry
	r.mu.Unlock()

	entry.mu.Lock()
	entry.session.Status = SessionActive
	entry.mu.Unlock()

	r.publish("registry.session.created", SessionCreated{SessionID: id, Tenant: tenant})
	return id
}

// AttachPage attaches a new page to a session under a freshly-generated
// PageId (an explicit open initiated by a collaborator). Returns the new id.
func (r *Registry) AttachPage(sessionID ids.SessionId, url string) (ids.PageId, error) {
	pageID := ids.NewPageId()
	if err := r.attachPage(sessionID, pageID, url); err != nil {
		return "", err
	}
	return pageID, nil
}

// AttachPageWithID attaches a page under a caller-supplied PageId — used by
// CDP event ingestion (Target.targetCreated, type=page), which must reuse the
// browser's own targetId so a later Target.targetDestroyed can name the same
// page back to DetachPage.
func (r *Registry) AttachPageWithID(sessionID ids.SessionId, pageID ids.PageId, url string) error {
	return r.attachPage(sessionID, pageID, url)
}

func (r *Registry) attachPage(sessionID ids.SessionId, pageID ids.PageId, url string) error {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return &RouteStaleError{Reason: ReasonSessionGone}
	}

	rootFrame := ids.NewFrameId()

	entry.mu.Lock()
	entry.pages[pageID] = &Page{
		ID:             pageID,
		SessionID:      sessionID,
		URL:            url,
		LoadState:      LoadBlank,
		RootFrameID:    rootFrame,
		LastActivityAt: time.Now(),
	}
	entry.frames[rootFrame] = &Frame{ID: rootFrame, PageID: pageID, Attached: true}
	entry.session.PageIDs = append(entry.session.PageIDs, pageID)
	entry.mu.Unlock()

	r.publish("registry.page.attached", PageAttached{SessionID: sessionID, PageID: pageID, URL: url})
	return nil
}

// DetachPage removes a page and all of its frames (Target.targetDestroyed).
func (r *Registry) DetachPage(sessionID ids.SessionId, pageID ids.PageId) {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return
	}

	entry.mu.Lock()
	delete(entry.pages, pageID)
	for fid, f := range entry.frames {
		if f.PageID == pageID {
			delete(entry.frames, fid)
		}
	}
	entry.session.PageIDs = removePageID(entry.session.PageIDs, pageID)
	entry.mu.Unlock()

	r.publish("registry.page.detached", PageDetached{SessionID: sessionID, PageID: pageID})
}

// AttachFrame records a new frame within a page under a freshly-generated
// FrameId (Page.frameAttached, collaborator-driven path).
func (r *Registry) AttachFrame(sessionID ids.SessionId, pageID ids.PageId, parentID ids.FrameId, url string) (ids.FrameId, error) {
	frameID := ids.NewFrameId()
	if err := r.attachFrame(sessionID, pageID, frameID, parentID, url); err != nil {
		return "", err
	}
	return frameID, nil
}

// AttachFrameWithID records a frame under a caller-supplied FrameId — used
// by CDP event ingestion so the browser's own frameId can be named back to
// DetachFrame on Page.frameDetached.
func (r *Registry) AttachFrameWithID(sessionID ids.SessionId, pageID ids.PageId, frameID ids.FrameId, parentID ids.FrameId, url string) error {
	return r.attachFrame(sessionID, pageID, frameID, parentID, url)
}

func (r *Registry) attachFrame(sessionID ids.SessionId, pageID ids.PageId, frameID ids.FrameId, parentID ids.FrameId, url string) error {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return &RouteStaleError{Reason: ReasonSessionGone}
	}

	entry.mu.Lock()
	if _, ok := entry.pages[pageID]; !ok {
		entry.mu.Unlock()
		return &RouteStaleError{Reason: ReasonPageGone}
	}
	entry.frames[frameID] = &Frame{ID: frameID, ParentID: parentID, PageID: pageID, URL: url, Attached: true}
	entry.mu.Unlock()

	r.publish("registry.frame.attached", FrameAttached{SessionID: sessionID, PageID: pageID, FrameID: frameID, ParentID: parentID, URL: url})
	return nil
}

// DetachFrame marks a frame as detached (Page.frameDetached). The frame
// entry is kept until its page is detached so route resolutions observe a
// consistent stale reason rather than a missing-key panic; callers that
// resolve after this call see ReasonFrameGone.
func (r *Registry) DetachFrame(sessionID ids.SessionId, frameID ids.FrameId) {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return
	}
	var pageID ids.PageId
	entry.mu.Lock()
	if f, ok := entry.frames[frameID]; ok {
		f.Attached = false
		pageID = f.PageID
	}
	entry.mu.Unlock()

	r.publish("registry.frame.detached", FrameDetached{SessionID: sessionID, PageID: pageID, FrameID: frameID})
}

// EnsureSession returns the session tracked under id, lazily creating one
// (tenant unknown, status active) if this is the first time the Registry
// has observed it. Used by CDP event ingestion, which names sessions by
// their CDP session key (spec §6: "Session keys in the transport API
// correspond to CDP session ids obtained via Target.attachToTarget") and may
// observe a target attached by the page itself (e.g. window.open) before
// any collaborator has called CreateSession for it.
func (r *Registry) EnsureSession(id ids.SessionId) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return
	}
	entry := &sessionEntry{
		session: Session{ID: id, CreatedAt: time.Now(), Status: SessionActive},
		pages:   make(map[ids.PageId]*Page),
		frames:  make(map[ids.FrameId]*Frame),
	}
	r.sessions[id] = entry
	r.mu.Unlock()

	r.publish("registry.session.created", SessionCreated{SessionID: id})
}

// UpdatePageLoadState records a page's navigation lifecycle transition
// (Page.frameNavigated → loading, Page.domContentEventFired → interactive,
// Page.loadEventFired → complete). A non-empty url replaces the page's
// current URL.
func (r *Registry) UpdatePageLoadState(sessionID ids.SessionId, pageID ids.PageId, state LoadState, url string) {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return
	}
	entry.mu.Lock()
	page, ok := entry.pages[pageID]
	if !ok {
		entry.mu.Unlock()
		return
	}
	page.LoadState = state
	if url != "" {
		page.URL = url
	}
	page.LastActivityAt = time.Now()
	entry.mu.Unlock()

	r.publish("registry.page.loadstate", PageLoadStateChanged{SessionID: sessionID, PageID: pageID, LoadState: state, URL: url})
}

// ApplyNetworkSnapshot updates a page's derived PageHealth from an externally
// summarized network snapshot.
func (r *Registry) ApplyNetworkSnapshot(sessionID ids.SessionId, pageID ids.PageId, snap NetworkSnapshot) {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	page, ok := entry.pages[pageID]
	if !ok {
		return
	}
	page.Health.InFlight += snap.InFlightDelta
	if page.Health.InFlight < 0 {
		page.Health.InFlight = 0
	}
	page.Health.Responses2xx += snap.Responses2xx
	page.Health.Responses4xx += snap.Responses4xx
	page.Health.Responses5xx += snap.Responses5xx
	page.Health.LastActivityAt = snap.ObservedAt
	page.LastActivityAt = snap.ObservedAt

	quietThreshold := snap.QuietThreshold
	if quietThreshold <= 0 {
		quietThreshold = defaultQuietThreshold
	}
	page.Health.Quiet = page.Health.InFlight == 0 && time.Since(page.Health.LastActivityAt) >= quietThreshold
}

const defaultQuietThreshold = 500 * time.Millisecond

// ResolveRoute implements the §4.3 route resolution algorithm: session
// missing, page missing/failed, or pinned frame not attached each produce a
// distinct RouteStaleError; otherwise a TargetInfo is returned.
func (r *Registry) ResolveRoute(route ids.ExecRoute) (TargetInfo, error) {
	entry, ok := r.sessionEntry(route.SessionId)
	if !ok {
		return TargetInfo{}, &RouteStaleError{Reason: ReasonSessionGone, Route: route}
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	page, ok := entry.pages[route.PageId]
	if !ok || page.LoadState == LoadFailed {
		return TargetInfo{}, &RouteStaleError{Reason: ReasonPageGone, Route: route}
	}

	if route.HasFrame() {
		frame, ok := entry.frames[route.FrameId]
		if !ok || !frame.Attached {
			return TargetInfo{}, &RouteStaleError{Reason: ReasonFrameGone, Route: route}
		}
	}

	return TargetInfo{
		Route:     route,
		RouteKey:  route.RouteKey(),
		URL:       page.URL,
		LoadState: page.LoadState,
	}, nil
}

// MarkSessionFailed transitions a session (and all its pages/frames, which
// are detached) to failed status — the TransportReset handler for sessions
// whose underlying browser died.
func (r *Registry) MarkSessionFailed(sessionID ids.SessionId) {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.session.Status = SessionFailed
	for _, f := range entry.frames {
		f.Attached = false
	}
	pageIDs := entry.session.PageIDs
	entry.session.PageIDs = nil
	entry.pages = make(map[ids.PageId]*Page)
	entry.mu.Unlock()

	r.publish("registry.session.lost", SessionLost{SessionID: sessionID, DetachedPages: pageIDs})
}

// Session returns a snapshot copy of a session's state.
func (r *Registry) Session(id ids.SessionId) (Session, bool) {
	entry, ok := r.sessionEntry(id)
	if !ok {
		return Session{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	cp := entry.session
	cp.PageIDs = append([]ids.PageId(nil), entry.session.PageIDs...)
	return cp, true
}

// Page returns a snapshot copy of a page's state.
func (r *Registry) Page(sessionID ids.SessionId, pageID ids.PageId) (Page, bool) {
	entry, ok := r.sessionEntry(sessionID)
	if !ok {
		return Page{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	page, ok := entry.pages[pageID]
	if !ok {
		return Page{}, false
	}
	return *page, true
}

// Subscribe returns a bounded stream of RegistryAction events.
func (r *Registry) Subscribe() *eventbus.Subscription {
	return r.bus.Subscribe("registry.*")
}

// AllSessionIDs returns every currently-tracked session id. Used by the
// Kernel Facade's TransportReset handler (spec §4.3: "all sessions whose
// underlying browser died are marked failed") since the Registry itself
// does not track which transport instance backs which session in this
// single-transport-per-kernel composition.
func (r *Registry) AllSessionIDs() []ids.SessionId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ids.SessionId, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) sessionEntry(id ids.SessionId) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

func (r *Registry) publish(topic string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, payload)
}

func removePageID(pageIDs []ids.PageId, target ids.PageId) []ids.PageId {
	out := make([]ids.PageId, 0, len(pageIDs))
	for _, id := range pageIDs {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
