package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"

	"github.com/homeiac/claude-mqtt-bridge/internal/arbiter"
)

// recorder is an in-memory writer.Writer used to assert on forwarded
// events without a live broker or real agent CLI.
type recorder struct {
	mu     sync.Mutex
	events []interface{}
	ended  bool
}

func (r *recorder) Send(event interface{}) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recorder) End() error {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) SetSessionID(string) {}

// writeFakeCLI drops a shell script standing in for the agent binary: it
// emits one event, emits a control_request and reads one line of stdin,
// emits a second event, then exits.
func writeFakeCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-claude.sh")
	script := `#!/bin/sh
echo '{"type":"system","subtype":"init"}'
echo '{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}'
read -r line
echo '{"data":{"type":"result","result":"done"}}'
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake CLI: %v", err)
	}
	return path
}

func TestProcessRunnerRoutesControlRequest(t *testing.T) {
	assert := tdd.New(t)
	bin := writeFakeCLI(t)

	var seenTool string
	var seenInput map[string]interface{}
	canUseTool := arbiter.CanUseTool(func(toolName string, input interface{}) arbiter.Decision {
		seenTool = toolName
		if m, ok := input.(map[string]interface{}); ok {
			seenInput = m
		}
		return arbiter.Decision{Behavior: "allow", UpdatedInput: input}
	})

	runner := NewProcessRunner(WithBinary(bin))
	rec := &recorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := runner.Query(ctx, "hello", Options{CanUseTool: canUseTool}, rec)
	assert.Nil(err)

	assert.Equal("Bash", seenTool)
	assert.Equal("ls", seenInput["command"])
	assert.Len(rec.events, 2)
}
