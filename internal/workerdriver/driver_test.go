package workerdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	resperr "github.com/sprintctl/supervisor/internal/errors"
	"github.com/sprintctl/supervisor/internal/model"
)

const stdioHelperEnv = "SUPERVISOR_WORKERDRIVER_HELPER"

// helperBehaviorEnv selects which scripted MCP agent behavior the subprocess
// under TestWorkerHelper should run, passed via env so os.Args[0] stays the
// test binary itself.
const helperBehaviorEnv = "SUPERVISOR_WORKERDRIVER_HELPER_BEHAVIOR"

func runDriver(t *testing.T, behavior string, req InvokeRequest) (model.WorkerResult, error) {
	t.Helper()
	d := New(Options{
		Command:      os.Args[0],
		Args:         []string{"-test.run=TestWorkerHelper", "--"},
		CallTimeout:  5 * time.Second,
		ReaskTimeout: 5 * time.Second,
	})
	t.Setenv(stdioHelperEnv, "1")
	t.Setenv(helperBehaviorEnv, behavior)
	return d.Invoke(context.Background(), req, nil)
}

func TestDriverSuccessfulRun(t *testing.T) {
	req := InvokeRequest{RunID: "run-1", Role: model.RoleExecutor, Prompt: "do work"}
	result, err := runDriver(t, "success", req)
	require.NoError(t, err)
	require.Equal(t, model.StatusSucceeded, result.Status)
	require.Equal(t, "run-1", result.RunID)
}

func TestDriverProtocolMismatchIsFatal(t *testing.T) {
	req := InvokeRequest{RunID: "run-1", Role: model.RoleExecutor, Prompt: "do work"}
	_, err := runDriver(t, "bad_protocol", req)
	require.Error(t, err)
	e := resperr.FromError(err)
	require.Equal(t, "mcp_protocol_mismatch", e.Code)
}

func TestDriverMissingCodexToolIsFatal(t *testing.T) {
	req := InvokeRequest{RunID: "run-1", Role: model.RoleExecutor, Prompt: "do work"}
	_, err := runDriver(t, "no_codex_tool", req)
	require.Error(t, err)
	e := resperr.FromError(err)
	require.Equal(t, "mcp_missing_codex_tool", e.Code)
}

func TestDriverReaskRecoversFromBadFirstReply(t *testing.T) {
	req := InvokeRequest{RunID: "run-1", Role: model.RoleExecutor, Prompt: "do work"}
	result, err := runDriver(t, "bad_then_good", req)
	require.NoError(t, err)
	require.Equal(t, model.StatusSucceeded, result.Status)
}

func TestDriverSecondBadReplyIsTerminal(t *testing.T) {
	req := InvokeRequest{RunID: "run-1", Role: model.RoleExecutor, Prompt: "do work"}
	_, err := runDriver(t, "bad_twice", req)
	require.Error(t, err)
}

func TestDriverNonJSONStdoutLineFailsCallAsInvalidJSON(t *testing.T) {
	req := InvokeRequest{RunID: "run-1", Role: model.RoleExecutor, Prompt: "do work"}
	_, err := runDriver(t, "garbage_line", req)
	require.Error(t, err)
	e := resperr.FromError(err)
	require.Equal(t, "mcp_invalid_json", e.Code)
}

func TestDriverInvalidRoleIsRejectedBeforeSpawning(t *testing.T) {
	d := New(Options{Command: os.Args[0]})
	req := InvokeRequest{RunID: "run-1", Role: model.Role("ORCHESTRATOR"), Prompt: "n/a"}
	_, err := d.Invoke(context.Background(), req, nil)
	require.Error(t, err)
	e := resperr.FromError(err)
	require.Equal(t, "worker_invalid_intent", e.Code)
}

// --- helper process ---

func TestWorkerHelper(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		t.Skip("helper process")
	}
	runWorkerHelper(os.Getenv(helperBehaviorEnv))
}

func runWorkerHelper(behavior string) {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	replyCount := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		var req rpcRequest
		if jsonErr := json.Unmarshal([]byte(line), &req); jsonErr != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			protocol := ProtocolVersion
			if behavior == "bad_protocol" {
				protocol = "1999-01-01"
			}
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(map[string]any{"protocolVersion": protocol})}
			writeHelperLine(writer, resp)
		case "tools/list":
			tools := []map[string]string{{"name": "codex"}, {"name": "codex-reply"}}
			if behavior == "no_codex_tool" {
				tools = []map[string]string{{"name": "something-else"}}
			}
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(map[string]any{"tools": tools})}
			writeHelperLine(writer, resp)
		case "tools/call":
			replyCount++
			if behavior == "garbage_line" {
				_, _ = writer.WriteString("this is not json-rpc\n")
				_ = writer.Flush()
				continue
			}
			resp := helperToolsCallResponse(req, behavior, replyCount)
			writeHelperLine(writer, resp)
		case "shutdown":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(map[string]any{})}
			writeHelperLine(writer, resp)
		default:
			// notifications (initialized, exit) carry no id; nothing to reply.
		}
	}
	os.Exit(0)
}

func helperToolsCallResponse(req rpcRequest, behavior string, replyCount int) rpcResponse {
	params, _ := req.Params.(map[string]any)
	name, _ := params["name"].(string)

	const goodResult = `{"run_id":"run-1","role":"EXECUTOR","status":"succeeded","summary":"done"}`
	const malformedResult = `not json at all`

	text := goodResult
	switch behavior {
	case "bad_then_good":
		if name == "codex" {
			text = malformedResult
		}
	case "bad_twice":
		text = malformedResult
	}

	content := mustJSON([]map[string]any{{"type": "text", "text": text}})
	structured := mustJSON(map[string]any{"threadId": "thread-1"})
	result := map[string]any{"content": json.RawMessage(content), "structuredContent": json.RawMessage(structured), "isError": false}
	return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(result)}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func writeHelperLine(writer *bufio.Writer, resp rpcResponse) {
	data, _ := json.Marshal(resp)
	_, _ = writer.Write(data)
	_ = writer.WriteByte('\n')
	_ = writer.Flush()
}
