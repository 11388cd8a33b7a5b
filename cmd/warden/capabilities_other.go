//go:build !darwin

package main

import "github.com/hostpilot/warden/pkg/action"

// hostCapabilities on non-macOS hosts has no collaborators to bind; every
// action fails with external_action_failed while the control plane itself
// stays fully functional.
func hostCapabilities() action.Capabilities {
	return action.Unsupported{}
}
