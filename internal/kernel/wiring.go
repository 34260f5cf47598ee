// wiring.go — Glue the Kernel Facade composes but that no single component
// owns: TransportReset → Registry session invalidation (spec §4.3), and
// fan-in of every StateEvent variant the spec names (session/page/frame
// lifecycle, permission decisions, self-heal actions) into the State
// Center, since each producer only publishes to the Event Bus and has no
// reason to import statecenter itself.
package kernel

import (
	"encoding/json"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/permissions"
	"github.com/brennhill/unified-browser-kernel/internal/registry"
	"github.com/brennhill/unified-browser-kernel/internal/selfheal"
	"github.com/brennhill/unified-browser-kernel/internal/statecenter"
	"github.com/brennhill/unified-browser-kernel/internal/transport"
)

// wireRegistryIngestion subscribes to the Transport's reset notification and
// the raw CDP event stream. A TransportReset marks every currently-tracked
// session failed (spec §4.3 "On TransportReset, all sessions whose
// underlying browser died are marked failed"); raw TransportEvents are
// re-published on the kernel bus under a stable topic so collaborators
// (the perception stack, the State Center) can observe them without
// depending on the transport package directly.
func (ac *AppContext) wireRegistryIngestion() {
	sub := ac.Bus.Subscribe("transport.reset")
	go func() {
		for evt := range sub.Events() {
			reset, ok := evt.Payload.(transport.TransportReset)
			if !ok {
				continue
			}
			ac.Log.Info("transport reset observed, invalidating sessions", "reason", reset.Reason)
			for _, sid := range ac.Registry.AllSessionIDs() {
				ac.Registry.MarkSessionFailed(sid)
			}
		}
	}()

	go func() {
		for raw := range ac.Transport.Events() {
			switch evt := raw.(type) {
			case transport.TransportEvent:
				ac.ingestRegistryEvent(evt)
				ac.Bus.Publish("transport.event."+evt.Method, evt)
			case transport.Lagged:
				ac.Bus.Publish("transport.lagged", evt)
			}
		}
	}()
}

// ingestRegistryEvent decodes the subset of CDP Target/Page lifecycle
// notifications spec §4.3 names and drives the Registry: targetCreated
// (type=page) -> AttachPage, targetDestroyed -> DetachPage,
// Page.frameAttached/Detached -> AttachFrame/DetachFrame. Network.* flows
// stay collaborator-driven per §6 (they reach the Registry through
// ApplyNetworkSnapshot directly, never through this drain).
//
// The CDP session key a notification arrives on (spec §6: "Session keys in
// the transport API correspond to CDP session ids obtained via
// Target.attachToTarget") is taken as the owning registry SessionId
// verbatim, and lazily vivified on first sight via EnsureSession rather
// than requiring a collaborator to have called CreateSession first, since a
// target can be attached by the page itself (e.g. window.open) with no
// prior kernel call. Page.frameAttached/Detached notifications carry no
// pageId of their own in the flattened CDP session model, so the frame is
// anchored under the session's most recently attached page.
func (ac *AppContext) ingestRegistryEvent(evt transport.TransportEvent) {
	if evt.SessionKey == "" {
		return
	}
	sid := ids.SessionId(evt.SessionKey)

	switch evt.Method {
	case "Target.targetCreated":
		var p struct {
			TargetInfo struct {
				TargetID string `json:"targetId"`
				Type     string `json:"type"`
				URL      string `json:"url"`
			} `json:"targetInfo"`
		}
		if err := json.Unmarshal(evt.Params, &p); err != nil || p.TargetInfo.Type != "page" {
			return
		}
		ac.Registry.EnsureSession(sid)
		if err := ac.Registry.AttachPageWithID(sid, ids.PageId(p.TargetInfo.TargetID), p.TargetInfo.URL); err != nil {
			ac.Log.V(1).Info("ingest Target.targetCreated failed", "session", sid, "error", err)
		}

	case "Target.targetDestroyed":
		var p struct {
			TargetID string `json:"targetId"`
		}
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		ac.Registry.DetachPage(sid, ids.PageId(p.TargetID))

	case "Page.frameAttached":
		var p struct {
			FrameID       string `json:"frameId"`
			ParentFrameID string `json:"parentFrameId"`
		}
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		sess, ok := ac.Registry.Session(sid)
		if !ok || len(sess.PageIDs) == 0 {
			return
		}
		pageID := sess.PageIDs[len(sess.PageIDs)-1]
		if err := ac.Registry.AttachFrameWithID(sid, pageID, ids.FrameId(p.FrameID), ids.FrameId(p.ParentFrameID), ""); err != nil {
			ac.Log.V(1).Info("ingest Page.frameAttached failed", "session", sid, "error", err)
		}

	case "Page.frameDetached":
		var p struct {
			FrameID string `json:"frameId"`
		}
		if err := json.Unmarshal(evt.Params, &p); err != nil {
			return
		}
		ac.Registry.DetachFrame(sid, ids.FrameId(p.FrameID))

	case "Page.frameNavigated":
		var p struct {
			Frame struct {
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
			} `json:"frame"`
		}
		if err := json.Unmarshal(evt.Params, &p); err != nil || p.Frame.ParentID != "" {
			return
		}
		if pageID, ok := ac.currentPage(sid); ok {
			ac.Registry.UpdatePageLoadState(sid, pageID, registry.LoadLoading, p.Frame.URL)
		}

	case "Page.domContentEventFired":
		if pageID, ok := ac.currentPage(sid); ok {
			ac.Registry.UpdatePageLoadState(sid, pageID, registry.LoadInteractive, "")
		}

	case "Page.loadEventFired":
		if pageID, ok := ac.currentPage(sid); ok {
			ac.Registry.UpdatePageLoadState(sid, pageID, registry.LoadComplete, "")
		}
	}
}

// currentPage resolves the page a pageId-less Page.* notification pertains
// to: the session's most recently attached page, matching the frame-event
// anchoring above.
func (ac *AppContext) currentPage(sid ids.SessionId) (ids.PageId, bool) {
	sess, ok := ac.Registry.Session(sid)
	if !ok || len(sess.PageIDs) == 0 {
		return "", false
	}
	return sess.PageIDs[len(sess.PageIDs)-1], true
}

// wireStateCenterRecording subscribes every StateEvent-producing topic the
// spec names (§3: session/page/frame lifecycle, permission decision,
// self-heal action) and inserts each into the State Center, scoped by
// whatever session/page/task keys the payload carries. Dispatch events are
// already inserted directly by the Scheduler (dispatch.go's recordEvent);
// this only covers the producers that have no statecenter dependency of
// their own.
func (ac *AppContext) wireStateCenterRecording() {
	registryEvents := ac.Bus.Subscribe("registry.*")
	go ac.drainRegistryEvents(registryEvents)

	permEvents := ac.Bus.Subscribe("permissions.decision")
	go ac.drainPermissionEvents(permEvents)

	healEvents := ac.Bus.Subscribe("selfheal.action")
	go ac.drainSelfHealEvents(healEvents)
}

func (ac *AppContext) drainRegistryEvents(sub *eventbus.Subscription) {
	for evt := range sub.Events() {
		scope := statecenter.Scope{}
		switch p := evt.Payload.(type) {
		case registry.SessionCreated:
			scope.SessionID = p.SessionID
		case registry.PageAttached:
			scope.SessionID = p.SessionID
			scope.PageID = p.PageID
		case registry.PageDetached:
			scope.SessionID = p.SessionID
			scope.PageID = p.PageID
		case registry.PageLoadStateChanged:
			scope.SessionID = p.SessionID
			scope.PageID = p.PageID
		case registry.SessionLost:
			scope.SessionID = p.SessionID
		case registry.FrameAttached:
			scope.SessionID = p.SessionID
			scope.PageID = p.PageID
		case registry.FrameDetached:
			scope.SessionID = p.SessionID
			scope.PageID = p.PageID
		}
		ac.Events.Insert(evt.Topic, scope, evt.Payload)
	}
}

func (ac *AppContext) drainPermissionEvents(sub *eventbus.Subscription) {
	for evt := range sub.Events() {
		audit, ok := evt.Payload.(permissions.AuditEvent)
		if !ok {
			continue
		}
		ac.Events.Insert(evt.Topic, statecenter.Scope{}, audit)
		if ac.Metrics != nil {
			ac.Metrics.PermissionDecisions.WithLabelValues(string(audit.Decision)).Inc()
		}
	}
}

func (ac *AppContext) drainSelfHealEvents(sub *eventbus.Subscription) {
	for evt := range sub.Events() {
		heal, ok := evt.Payload.(selfheal.SelfHealEvent)
		if !ok {
			continue
		}
		ac.Events.Insert(evt.Topic, statecenter.Scope{}, heal)
	}
}
