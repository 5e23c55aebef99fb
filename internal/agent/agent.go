// Package agent defines the Go-side contract for the external collaborator
// the bridge drives for every command — a process that streams structured
// output events and occasionally pauses for tool-use approval — along with
// a reference implementation that runs the real `claude` CLI in streaming
// JSON mode.
package agent

import (
	"context"
	"os"
	"path/filepath"

	"github.com/homeiac/claude-mqtt-bridge/internal/arbiter"
	"github.com/homeiac/claude-mqtt-bridge/internal/writer"
)

// Options configures a single agent invocation.
type Options struct {
	// CWD is the working directory hint; empty means the process's own.
	CWD string

	// SessionID, when non-empty, asks the agent to resume a prior session.
	SessionID string

	// PermissionMode selects how the agent routes tool-use approval;
	// the bridge always requests "default" so every tool use is routed
	// through CanUseTool.
	PermissionMode string

	// CanUseTool is invoked for each tool use requiring approval.
	CanUseTool arbiter.CanUseTool
}

// Runner drives a single agent invocation, streaming its output to `w`
// until the agent finishes or fails.
type Runner interface {
	Query(ctx context.Context, message string, opts Options, w writer.Writer) error
}

// credentialsPath is the well-known file the agent CLI uses to persist its
// authentication state.
func credentialsPath() string {
	return filepath.Join(os.Getenv("HOME"), ".claude", ".credentials.json")
}

// CredentialsPresent probes, by filesystem readability only, whether the
// agent CLI has been authenticated. No parsing of the file is required or
// performed at this layer.
func CredentialsPresent() bool {
	f, err := os.Open(credentialsPath())
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
