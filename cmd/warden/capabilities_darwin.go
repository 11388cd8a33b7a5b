//go:build darwin

package main

import "github.com/hostpilot/warden/pkg/action"

// hostCapabilities binds the macOS command-line collaborators. Screen,
// input, and tree-walk capabilities report unsupported until native
// bindings are wired in.
func hostCapabilities() action.Capabilities {
	return action.OSCommand{}
}
