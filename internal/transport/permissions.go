// permissions.go — Implements permissions.Applier: best-effort push of a
// granted/denied permission decision onto the live browser via
// Browser.grantPermissions / Browser.resetPermissions.
package transport

import (
	"context"
	"time"
)

// ApplyPermission pushes a single permission decision to the browser for
// origin. Failures are surfaced to the caller (the Permissions Broker
// publishes them as audit events) rather than retried here — the contract
// is explicitly best-effort.
func (t *Transport) ApplyPermission(origin, permission string, granted bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deadline := time.Now().Add(5 * time.Second)

	if !granted {
		_, err := t.SendCommand(ctx, "", "Browser.resetPermissions", map[string]any{
			"origin": origin,
		}, deadline)
		return err
	}

	_, err := t.SendCommand(ctx, "", "Browser.grantPermissions", map[string]any{
		"origin":      origin,
		"permissions": []string{permission},
	}, deadline)
	return err
}
