package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintctl/supervisor/internal/backendclient"
	"github.com/sprintctl/supervisor/internal/ledger"
	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/workerdriver"
)

// --- fakes ---

type fakeState struct {
	mu       sync.Mutex
	issue    map[string]int
	pid      map[int]string
	status   map[int]string
	stamped  map[int]string
	cycles   map[int]int
}

func newFakeState() *fakeState {
	return &fakeState{issue: map[string]int{}, pid: map[int]string{}, status: map[int]string{}, stamped: map[int]string{}, cycles: map[int]int{}}
}

func (f *fakeState) FindIssueByRunID(runID string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.issue[runID]
	return n, ok
}

func (f *fakeState) Lookup(issueNumber int) (string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.pid[issueNumber]
	return pid, f.status[issueNumber], ok
}

func (f *fakeState) StampExecutorResponse(issueNumber int, at string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamped[issueNumber] = at
}

func (f *fakeState) IncrementReviewCycleCount(issueNumber int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles[issueNumber]++
}

type fakeTranscript struct {
	mu     sync.Mutex
	events []TranscriptEvent
}

func (f *fakeTranscript) Submit(ev TranscriptEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type recordingBackend struct {
	mu           sync.Mutex
	fieldUpdates []map[string]any
	resolveCalls []map[string]any
	resolvePID   string
	resolvePRURL string
}

func newBackendServer(rb *recordingBackend) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/internal/agent-context":
			_, _ = w.Write([]byte(`{"base_instructions":"follow the rules","developer_instructions":"be terse"}`))
		case "/internal/reviewer/resolve-linked-pr":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			rb.mu.Lock()
			rb.resolveCalls = append(rb.resolveCalls, body)
			rb.mu.Unlock()
			resp := map[string]any{"project_item_id": rb.resolvePID, "pr_url": rb.resolvePRURL}
			data, _ := json.Marshal(resp)
			_, _ = w.Write(data)
		case "/internal/project-item/update-field":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			rb.mu.Lock()
			rb.fieldUpdates = append(rb.fieldUpdates, body)
			rb.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
}

// --- scripted agent subprocess, reused across test cases via env var ---

const supervisorHelperEnv = "SUPERVISOR_RUNNER_TEST_HELPER"
const supervisorHelperResultEnv = "SUPERVISOR_RUNNER_TEST_RESULT_JSON"

func newTestDriver(t *testing.T, resultJSON string) *workerdriver.Driver {
	t.Helper()
	t.Setenv(supervisorHelperEnv, "1")
	t.Setenv(supervisorHelperResultEnv, resultJSON)
	return workerdriver.New(workerdriver.Options{
		Command:      os.Args[0],
		Args:         []string{"-test.run=TestSupervisorRunnerHelperProcess", "--"},
		CallTimeout:  5 * time.Second,
		ReaskTimeout: 5 * time.Second,
	})
}

func TestSupervisorRunnerHelperProcess(t *testing.T) {
	if os.Getenv(supervisorHelperEnv) != "1" {
		t.Skip("helper process")
	}
	runSupervisorHelperProcess(os.Getenv(supervisorHelperResultEnv))
}

func runSupervisorHelperProcess(resultText string) {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		var req map[string]any
		if jsonErr := json.Unmarshal([]byte(line), &req); jsonErr != nil {
			continue
		}
		method, _ := req["method"].(string)
		id := req["id"]
		switch method {
		case "initialize":
			writeHelperResp(writer, id, map[string]any{"protocolVersion": workerdriver.ProtocolVersion})
		case "tools/list":
			writeHelperResp(writer, id, map[string]any{"tools": []map[string]string{{"name": "codex"}, {"name": "codex-reply"}}})
		case "tools/call":
			content, _ := json.Marshal([]map[string]any{{"type": "text", "text": resultText}})
			structured, _ := json.Marshal(map[string]any{"threadId": "thread-1"})
			writeHelperResp(writer, id, map[string]any{"content": json.RawMessage(content), "structuredContent": json.RawMessage(structured), "isError": false})
		case "shutdown":
			writeHelperResp(writer, id, map[string]any{})
		default:
			// notifications carry no id
		}
	}
	os.Exit(0)
}

func writeHelperResp(w *bufio.Writer, id any, result any) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id, "result": result}
	data, _ := json.Marshal(resp)
	_, _ = w.Write(data)
	_ = w.WriteByte('\n')
	_ = w.Flush()
}

// --- Runner construction helper ---

func newTestRunner(t *testing.T, backendURL, resultJSON string, state *fakeState, ts *fakeTranscript) *Runner {
	t.Helper()
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"), nil)
	return New(Options{
		Backend:    backendclient.New(backendclient.Options{BaseURL: backendURL}),
		Ledger:     l,
		Driver:     newTestDriver(t, resultJSON),
		State:      state,
		Transcript: ts,
	})
}

func executorIntent(runID string, issueNumber int) model.RunIntent {
	body := map[string]any{"role": "EXECUTOR", "run_id": runID, "issue_number": float64(issueNumber)}
	return model.RunIntent{
		Type:     "RUN_INTENT",
		Role:     model.RoleExecutor,
		RunID:    runID,
		Endpoint: "/internal/executor/claim-ready-item",
		Body:     body,
		Raw:      map[string]any{"type": "RUN_INTENT", "role": "EXECUTOR", "run_id": runID, "endpoint": "/internal/executor/claim-ready-item", "body": body},
	}
}

func reviewerIntent(runID string, issueNumber int, projectItemID string) model.RunIntent {
	body := map[string]any{"role": "REVIEWER", "run_id": runID, "issue_number": float64(issueNumber), "project_item_id": projectItemID}
	return model.RunIntent{
		Type:     "RUN_INTENT",
		Role:     model.RoleReviewer,
		RunID:    runID,
		Endpoint: "/internal/reviewer/resolve-linked-pr",
		Body:     body,
		Raw:      map[string]any{"type": "RUN_INTENT", "role": "REVIEWER", "run_id": runID, "endpoint": "/internal/reviewer/resolve-linked-pr", "body": body},
	}
}

// --- tests ---

func TestDispatchExecutorSuccess(t *testing.T) {
	rb := &recordingBackend{}
	server := newBackendServer(rb)
	defer server.Close()

	state := newFakeState()
	state.pid[7] = "PVTI_7"
	state.status[7] = "In Progress"

	r := newTestRunner(t, server.URL, `{"run_id":"run-1","role":"EXECUTOR","status":"succeeded","summary":"done"}`, state, &fakeTranscript{})
	intent := executorIntent("run-1", 7)

	err := r.dispatch(context.Background(), intent)
	require.NoError(t, err)

	row, err := r.opts.Ledger.Get("run-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, model.StatusSucceeded, row.Status)
	assert.Empty(t, rb.fieldUpdates)
}

func TestDispatchExecutorUnverifiedMarkerFailsAndRecovers(t *testing.T) {
	rb := &recordingBackend{}
	server := newBackendServer(rb)
	defer server.Close()

	state := newFakeState()
	state.pid[8] = "PVTI_8"
	state.status[8] = "In Progress"

	resultJSON := `{"run_id":"run-2","role":"EXECUTOR","status":"succeeded","summary":"opened pr","urls":{"pr_url":"https://example.com/pull/9"}}`
	r := newTestRunner(t, server.URL, resultJSON, state, &fakeTranscript{})
	intent := executorIntent("run-2", 8)

	err := r.dispatch(context.Background(), intent)
	require.Error(t, err)

	row, getErr := r.opts.Ledger.Get("run-2")
	require.NoError(t, getErr)
	require.NotNil(t, row)
	assert.Equal(t, model.StatusFailed, row.Status)
	assert.Equal(t, "worker_invalid_output", row.Result.ErrorCode)

	require.Len(t, rb.fieldUpdates, 1)
	assert.Equal(t, "Blocked", rb.fieldUpdates[0]["value"])
	assert.Equal(t, "PVTI_8", rb.fieldUpdates[0]["project_item_id"])
}

func TestDispatchExecutorStampsExecutorResponseWhenInReview(t *testing.T) {
	rb := &recordingBackend{}
	server := newBackendServer(rb)
	defer server.Close()

	state := newFakeState()
	state.pid[9] = "PVTI_9"
	state.status[9] = "In Review"

	r := newTestRunner(t, server.URL, `{"run_id":"run-3","role":"EXECUTOR","status":"succeeded","summary":"responded to feedback"}`, state, &fakeTranscript{})
	intent := executorIntent("run-3", 9)

	err := r.dispatch(context.Background(), intent)
	require.NoError(t, err)
	assert.NotEmpty(t, state.stamped[9])
}

func TestDispatchReviewerPassResolvesAndTransitions(t *testing.T) {
	rb := &recordingBackend{resolvePID: "PVTI_4", resolvePRURL: "https://example.com/pull/4"}
	server := newBackendServer(rb)
	defer server.Close()

	state := newFakeState()
	state.pid[4] = "PVTI_4"
	state.status[4] = "In Review"

	resultJSON := `{"run_id":"run-4","role":"REVIEWER","status":"succeeded","outcome":"PASS","summary":"looks good"}`
	r := newTestRunner(t, server.URL, resultJSON, state, &fakeTranscript{})
	intent := reviewerIntent("run-4", 4, "PVTI_4")

	err := r.dispatch(context.Background(), intent)
	require.NoError(t, err)

	require.Len(t, rb.resolveCalls, 1)
	require.Len(t, rb.fieldUpdates, 1)
	assert.Equal(t, "Needs Human Approval", rb.fieldUpdates[0]["value"])

	row, getErr := r.opts.Ledger.Get("run-4")
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusSucceeded, row.Status)
	assert.Equal(t, "PASS", row.Result.ReviewerOutcome)
}

func TestDispatchReviewerFailIncrementsCycleCountWithoutBlocking(t *testing.T) {
	rb := &recordingBackend{}
	server := newBackendServer(rb)
	defer server.Close()

	state := newFakeState()
	state.pid[5] = "PVTI_5"
	state.status[5] = "In Review"

	resultJSON := `{"run_id":"run-5","role":"REVIEWER","status":"succeeded","outcome":"FAIL","summary":"needs changes"}`
	r := newTestRunner(t, server.URL, resultJSON, state, &fakeTranscript{})
	intent := reviewerIntent("run-5", 5, "PVTI_5")

	err := r.dispatch(context.Background(), intent)
	require.NoError(t, err)

	assert.Equal(t, 1, state.cycles[5])
	assert.Empty(t, rb.fieldUpdates, "a FAIL outcome must not itself transition the board to Blocked")
}

func TestDispatchLedgerSkipsAlreadySucceededRun(t *testing.T) {
	rb := &recordingBackend{}
	server := newBackendServer(rb)
	defer server.Close()

	state := newFakeState()
	state.pid[6] = "PVTI_6"
	state.status[6] = "In Progress"

	r := newTestRunner(t, server.URL, `{"run_id":"run-6","role":"EXECUTOR","status":"succeeded","summary":"done"}`, state, &fakeTranscript{})
	require.NoError(t, r.opts.Ledger.Upsert(model.LedgerRow{RunID: "run-6", Role: model.RoleExecutor, Status: model.StatusQueued}))
	require.NoError(t, r.opts.Ledger.MarkRunning("run-6", time.Now()))
	require.NoError(t, r.opts.Ledger.MarkResult("run-6", model.StatusSucceeded, model.LedgerResult{Summary: "already done"}))

	// Point the driver at a command that would error if actually invoked, to
	// prove the ledger-skip path never reaches the agent.
	r.opts.Driver = workerdriver.New(workerdriver.Options{Command: "/nonexistent-binary-for-test"})

	intent := executorIntent("run-6", 6)
	err := r.dispatch(context.Background(), intent)
	require.NoError(t, err)
	assert.Empty(t, rb.fieldUpdates)
}

func TestResolveIssueNumberFromBody(t *testing.T) {
	r := &Runner{opts: Options{IssueResolveWait: 100 * time.Millisecond}}
	intent := executorIntent("run-7", 42)
	n, err := r.resolveIssueNumber(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestResolveIssueNumberFromStateWhenBodyOmitsIt(t *testing.T) {
	state := newFakeState()
	state.issue["run-8"] = 99
	r := &Runner{opts: Options{State: state, IssueResolveWait: 500 * time.Millisecond}}
	intent := model.RunIntent{RunID: "run-8", Role: model.RoleExecutor, Body: map[string]any{"role": "EXECUTOR", "run_id": "run-8"}}
	n, err := r.resolveIssueNumber(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, 99, n)
}

func TestResolveIssueNumberTimesOutWhenNeverResolved(t *testing.T) {
	state := newFakeState()
	r := &Runner{opts: Options{State: state, IssueResolveWait: 50 * time.Millisecond}}
	intent := model.RunIntent{RunID: "run-9", Role: model.RoleExecutor, Body: map[string]any{"role": "EXECUTOR", "run_id": "run-9"}}
	_, err := r.resolveIssueNumber(context.Background(), intent)
	require.Error(t, err)
}
