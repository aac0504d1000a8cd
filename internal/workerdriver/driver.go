// Package workerdriver drives one agent-worker invocation end-to-end over the
// MCP stdio transport: spawn, initialize handshake, tools/list,
// tools/call, result extraction, one strict re-ask on parse failure, teardown.
package workerdriver

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	resperr "github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/schema"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

// ProtocolVersion is the fixed MCP protocol version this driver announces
// during initialize. The server must echo it back; any other value is fatal.
const ProtocolVersion = "2024-11-05"

const codexToolName = "codex"

// shutdownRPCGrace bounds how long teardown waits for a shutdown reply before
// moving on to exit/terminate/kill.
const shutdownRPCGrace = 2 * time.Second

// sandboxForRole implements the sandbox derivation. Any role
// outside the board's two dispatchable roles is a contract violation.
func sandboxForRole(role model.Role) (string, error) {
	switch role {
	case model.RoleExecutor, model.RoleReviewer:
		return "danger-full-access", nil
	default:
		return "", resperr.New(resperr.KindCodexWorker, "worker_invalid_intent", fmt.Sprintf("no sandbox policy for role %q", role))
	}
}

// Options configures a Driver. Logger/Metrics fall back to no-ops.
type Options struct {
	Command      string
	Args         []string
	Dir          string
	CallTimeout  time.Duration
	ReaskTimeout time.Duration
	TeardownGrace time.Duration
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
}

// Driver spawns and drives one agent worker invocation at a time. Invoke is
// safe to call repeatedly in sequence; each call spawns a fresh subprocess.
type Driver struct {
	opts Options
	log  telemetry.Logger
}

// New constructs a Driver from Options, applying the default timeouts.
func New(opts Options) *Driver {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 600 * time.Second
	}
	if opts.ReaskTimeout <= 0 {
		opts.ReaskTimeout = 180 * time.Second
	}
	if opts.TeardownGrace <= 0 {
		opts.TeardownGrace = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Driver{opts: opts, log: log}
}

// InvokeRequest carries one call's instructions.
type InvokeRequest struct {
	RunID                 string
	Role                  model.Role
	Prompt                string
	BaseInstructions      string // verbatim bundle from the backend
	DeveloperInstructions string
	Cwd                   string
	ApprovalPolicy        string
}

// Invoke drives one full agent-worker call and returns the parsed
// WorkerResult. onStderrLine, if non-nil, receives every captured stderr line
// as it arrives so the caller can feed it to the stderr observer (C5);
// failures in that path never affect Invoke's outcome.
func (d *Driver) Invoke(ctx context.Context, req InvokeRequest, onStderrLine func(string)) (model.WorkerResult, error) {
	sandbox, err := sandboxForRole(req.Role)
	if err != nil {
		return model.WorkerResult{}, err
	}

	cmd := exec.CommandContext(ctx, d.opts.Command, d.opts.Args...)
	if d.opts.Dir != "" {
		cmd.Dir = d.opts.Dir
	}
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return model.WorkerResult{}, resperr.Wrap(resperr.KindCodexWorker, "mcp_stdio_unavailable", "failed to open agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return model.WorkerResult{}, resperr.Wrap(resperr.KindCodexWorker, "mcp_stdio_unavailable", "failed to open agent stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return model.WorkerResult{}, resperr.Wrap(resperr.KindCodexWorker, "mcp_stdio_unavailable", "failed to open agent stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return model.WorkerResult{}, resperr.Wrap(resperr.KindCodexWorker, "mcp_stdio_unavailable", "failed to start agent subprocess", err)
	}

	t := newTransport(cmd, stdin, stdout)
	go streamStderrLines(stderr, onStderrLine)

	result, invokeErr := d.drive(ctx, t, req, sandbox)
	d.teardown(t, cmd)
	return result, invokeErr
}

func (d *Driver) drive(ctx context.Context, t *transport, req InvokeRequest, sandbox string) (model.WorkerResult, error) {
	if err := d.initialize(ctx, t); err != nil {
		return model.WorkerResult{}, err
	}
	if err := t.notify("notifications/initialized", map[string]any{}); err != nil {
		return model.WorkerResult{}, resperr.Wrap(resperr.KindCodexWorker, "mcp_stdio_unavailable", "failed to send initialized notification", err)
	}
	if err := d.requireCodexTool(ctx, t); err != nil {
		return model.WorkerResult{}, err
	}

	callDeadline := time.Now().Add(d.opts.CallTimeout)
	content, threadID, err := d.callCodex(ctx, t, req, sandbox, callDeadline)
	if err != nil {
		return model.WorkerResult{}, err
	}

	result, parseErr := schema.ParseWorkerResult(content, req.RunID, req.Role)
	if parseErr == nil {
		return result, nil
	}
	if threadID == "" {
		return model.WorkerResult{}, parseErr
	}

	d.log.Warn(ctx, "worker result failed to parse, issuing one strict re-ask", "run_id", req.RunID, "thread_id", threadID)
	reaskDeadline := time.Now().Add(d.opts.ReaskTimeout)
	reaskContent, reaskErr := d.codexReply(ctx, t, threadID, reaskDeadline)
	if reaskErr != nil {
		return model.WorkerResult{}, reaskErr
	}
	result, parseErr = schema.ParseWorkerResult(reaskContent, req.RunID, req.Role)
	if parseErr != nil {
		return model.WorkerResult{}, parseErr
	}
	return result, nil
}

func (d *Driver) initialize(ctx context.Context, t *transport) error {
	done := deadlineChan(ctx, d.opts.CallTimeout)
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]any{"name": "sprint-supervisor", "version": "dev"},
		"capabilities":    map[string]any{},
	}
	raw, err := t.request(done, "initialize", params)
	if err != nil {
		return classifyRPCErr(err, "agent initialize failed")
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return resperr.Wrap(resperr.KindCodexWorker, "mcp_invalid_json", "agent initialize response is not valid JSON", err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		return resperr.New(resperr.KindCodexWorker, "mcp_protocol_mismatch", fmt.Sprintf("agent echoed protocol version %q, expected %q", init.ProtocolVersion, ProtocolVersion))
	}
	return nil
}

func (d *Driver) requireCodexTool(ctx context.Context, t *transport) error {
	done := deadlineChan(ctx, d.opts.CallTimeout)
	raw, err := t.request(done, "tools/list", map[string]any{})
	if err != nil {
		return classifyRPCErr(err, "agent tools/list failed")
	}
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return resperr.Wrap(resperr.KindCodexWorker, "mcp_invalid_json", "agent tools/list response is not valid JSON", err)
	}
	for _, tool := range list.Tools {
		if tool.Name == codexToolName {
			return nil
		}
	}
	return resperr.New(resperr.KindCodexWorker, "mcp_missing_codex_tool", "agent does not expose a \"codex\" tool")
}

type toolsCallResult struct {
	Content           json.RawMessage `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent"`
	IsError           bool            `json:"isError"`
}

func (d *Driver) callCodex(ctx context.Context, t *transport, req InvokeRequest, sandbox string, deadline time.Time) (string, string, error) {
	done := deadlineChanAt(ctx, deadline)
	arguments := map[string]any{
		"prompt":                req.Prompt,
		"base-instructions":     req.BaseInstructions,
		"developer-instructions": req.DeveloperInstructions,
		"cwd":                   req.Cwd,
		"sandbox":               sandbox,
		"approval-policy":       req.ApprovalPolicy,
	}
	params := map[string]any{"name": codexToolName, "arguments": arguments}
	raw, err := t.request(done, "tools/call", params)
	if err != nil {
		return "", "", classifyRPCErr(err, "agent tools/call failed")
	}
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", "", resperr.Wrap(resperr.KindCodexWorker, "mcp_invalid_result", "agent tools/call response is not valid JSON", err)
	}
	content, err := extractContent(result)
	if err != nil {
		return "", "", err
	}
	threadID := extractThreadID(result.StructuredContent)
	return content, threadID, nil
}

func (d *Driver) codexReply(ctx context.Context, t *transport, threadID string, deadline time.Time) (string, error) {
	done := deadlineChanAt(ctx, deadline)
	params := map[string]any{
		"name": "codex-reply",
		"arguments": map[string]any{
			"threadId": threadID,
			"prompt":   "Your previous reply did not parse as the required JSON result. Reply with JSON only, no prose, no code fences.",
		},
	}
	raw, err := t.request(done, "tools/call", params)
	if err != nil {
		return "", classifyRPCErr(err, "agent codex-reply failed")
	}
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", resperr.Wrap(resperr.KindCodexWorker, "mcp_invalid_result", "agent codex-reply response is not valid JSON", err)
	}
	return extractContent(result)
}

// extractContent applies the content-extraction preference order.
func extractContent(result toolsCallResult) (string, error) {
	if len(result.StructuredContent) > 0 {
		var structured struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(result.StructuredContent, &structured); err == nil && structured.Content != "" {
			return structured.Content, nil
		}
	}
	if len(result.Content) > 0 {
		var asString string
		if err := json.Unmarshal(result.Content, &asString); err == nil {
			return asString, nil
		}
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(result.Content, &blocks); err == nil {
			var lines []string
			for _, b := range blocks {
				if b.Type == "text" {
					lines = append(lines, b.Text)
				}
			}
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
		}
	}
	return "", resperr.New(resperr.KindCodexWorker, "worker_invalid_output", "agent tool result has no recognizable content shape")
}

func extractThreadID(structuredContent json.RawMessage) string {
	if len(structuredContent) == 0 {
		return ""
	}
	var v struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(structuredContent, &v); err != nil {
		return ""
	}
	return v.ThreadID
}

// teardown runs best-effort shutdown RPC, exit
// notification, terminate within a grace period, kill on timeout.
func (d *Driver) teardown(t *transport, cmd *exec.Cmd) {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		time.Sleep(shutdownRPCGrace)
	}()
	_, _ = t.request(shutdownDone, "shutdown", map[string]any{})
	_ = t.notify("exit", map[string]any{})
	t.close()
	_ = cmd.Process.Signal(syscall.SIGTERM)

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case <-waited:
	case <-time.After(d.opts.TeardownGrace):
		_ = cmd.Process.Kill()
		<-waited
	}
}

func streamStderrLines(stderr io.Reader, onLine func(string)) {
	if onLine == nil {
		_, _ = io.Copy(io.Discard, stderr)
		return
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
}

// classifyRPCErr distinguishes a server-returned JSON-RPC error
// (mcp_error_response) from a malformed stdout line (mcp_invalid_json) from a
// deadline/transport failure (mcp_timeout) at the call boundary.
func classifyRPCErr(err error, msg string) error {
	if rerr, ok := err.(*rpcError); ok {
		return resperr.New(resperr.KindCodexWorker, "mcp_error_response", fmt.Sprintf("%s: %v", msg, rerr))
	}
	if stderrors.Is(err, errInvalidJSONLine) {
		return resperr.Wrap(resperr.KindCodexWorker, "mcp_invalid_json", msg, err)
	}
	return resperr.Wrap(resperr.KindCodexWorker, "mcp_timeout", msg, err)
}

func deadlineChan(ctx context.Context, timeout time.Duration) <-chan struct{} {
	return deadlineChanAt(ctx, time.Now().Add(timeout))
}

func deadlineChanAt(ctx context.Context, deadline time.Time) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}()
	return ch
}
