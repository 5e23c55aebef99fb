package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"

	"github.com/homeiac/claude-mqtt-bridge/errors"
	xlog "github.com/homeiac/claude-mqtt-bridge/log"

	"github.com/homeiac/claude-mqtt-bridge/internal/writer"
)

// defaultBinary is the executable name assumed to be on PATH.
const defaultBinary = "claude"

// ProcessOption adjusts the settings of a ProcessRunner at construction.
type ProcessOption func(*ProcessRunner)

// WithBinary overrides the executable used to launch the agent.
func WithBinary(path string) ProcessOption {
	return func(p *ProcessRunner) {
		if path != "" {
			p.bin = path
		}
	}
}

// WithLogger attaches a logger; defaults to a discard logger.
func WithLogger(log xlog.Logger) ProcessOption {
	return func(p *ProcessRunner) {
		if log != nil {
			p.log = log
		}
	}
}

// ProcessRunner is the reference Runner: it drives the real agent CLI as a
// subprocess, speaking its streaming JSON protocol over stdin/stdout,
// including the control_request/control_response handshake used for
// tool-use approval.
type ProcessRunner struct {
	bin string
	log xlog.Logger
}

// NewProcessRunner builds a ProcessRunner invoking `claude` on PATH unless
// overridden by WithBinary.
func NewProcessRunner(opts ...ProcessOption) *ProcessRunner {
	p := &ProcessRunner{
		bin: defaultBinary,
		log: xlog.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Query starts the agent, sends `message` as the first user turn, and
// streams every subsequent stdout line to `w` as an event — except
// control_request lines, which are routed through opts.CanUseTool and
// answered on stdin. It returns once the process exits.
func (p *ProcessRunner) Query(ctx context.Context, message string, opts Options, w writer.Writer) error {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}

	cmd := exec.CommandContext(ctx, p.bin, args...)
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open agent stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open agent stdout")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start agent process")
	}

	if err := json.NewEncoder(stdin).Encode(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": message},
			},
		},
	}); err != nil {
		return errors.Wrap(err, "failed to send initial agent message")
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			p.log.WithField("error", err.Error()).Warning("malformed agent output line")
			continue
		}

		if probe.Type == "control_request" {
			if err := p.handleControlRequest(line, opts, stdin); err != nil {
				p.log.WithField("error", err.Error()).Warning("failed to answer control request")
			}
			continue
		}

		var event map[string]interface{}
		if err := json.Unmarshal(line, &event); err != nil {
			p.log.WithField("error", err.Error()).Warning("unparseable agent event")
			continue
		}
		if err := w.Send(event); err != nil {
			p.log.WithField("error", err.Error()).Warning("failed to forward agent event")
		}
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		return errors.Wrap(err, "agent process exited with error")
	}
	return errors.Wrap(scanner.Err(), "failed to read agent output")
}

// handleControlRequest decodes a single control_request line, resolves it
// through opts.CanUseTool, and writes the matching control_response.
func (p *ProcessRunner) handleControlRequest(line []byte, opts Options, stdin io.Writer) error {
	var req struct {
		RequestID string `json:"request_id"`
		Request   struct {
			Subtype  string                 `json:"subtype"`
			ToolName string                 `json:"tool_name"`
			Input    map[string]interface{} `json:"input"`
		} `json:"request"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return errors.Wrap(err, "failed to decode control request")
	}
	if req.Request.Subtype != "can_use_tool" || opts.CanUseTool == nil {
		return nil
	}

	decision := opts.CanUseTool(req.Request.ToolName, req.Request.Input)
	return json.NewEncoder(stdin).Encode(map[string]interface{}{
		"type": "control_response",
		"response": map[string]interface{}{
			"subtype":    "success",
			"request_id": req.RequestID,
			"response":   decision,
		},
	})
}
