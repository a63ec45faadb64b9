// Package backend drives the model agent as a subprocess speaking JSON-RPC
// 2.0 over stdin/stdout. The daemon owns one agent process; every Threadline
// session maps to one agent session inside it.
//
// The agent streams turn output as "session/update" notifications and asks
// for tool permission with a "session/request_permission" request, which is
// answered through the session's permission flow.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threadline-dev/threadline/internal/protocol"
	"github.com/threadline-dev/threadline/internal/session"
)

// jsonrpcRequest is a JSON-RPC 2.0 request.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonrpcResponse is a JSON-RPC 2.0 response.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// sessionNewResult is the agent's answer to session/new.
type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// promptResult ends a session/prompt call.
type promptResult struct {
	StopReason string `json:"stopReason"`
	Usage      struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"usage"`
}

// sessionUpdate is one streamed event inside a turn.
type sessionUpdate struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	ToolID    string `json:"toolId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	Retrying  bool   `json:"retrying,omitempty"`
}

// permissionParams is the payload of a session/request_permission request
// from the agent.
type permissionParams struct {
	SessionID   string `json:"sessionId"`
	Tool        string `json:"tool"`
	Description string `json:"description"`
}

// Config describes how to launch the agent process.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	Env     map[string]string
}

// Agent runs the agent subprocess and implements session.Backend.
type Agent struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	encoder *json.Encoder

	nextID    int64
	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpcResponse

	// Active turns by agent session id, so streamed updates and permission
	// requests reach the right session.
	turnMu sync.RWMutex
	turns  map[string]session.TurnHost

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches the agent process and begins reading its output.
func Start(cfg Config, log *slog.Logger) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	a := &Agent{
		cmd:     cmd,
		stdin:   stdin,
		stderr:  stderr,
		encoder: json.NewEncoder(stdin),
		pending: make(map[int64]chan *jsonrpcResponse),
		turns:   make(map[string]session.TurnHost),
		log:     log,
		cancel:  cancel,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	a.wg.Add(2)
	go a.readLoop(stdout)
	go a.readStderr()

	return a, nil
}

// OpenSession asks the agent for a new session and returns its id.
func (a *Agent) OpenSession(ctx context.Context) (string, error) {
	resp, err := a.call(ctx, "session/new", nil)
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}
	if resp.Error != nil {
		return "", resp.Error
	}

	var result sessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse session/new result: %w", err)
	}
	return result.SessionID, nil
}

// StartTurn runs one prompt against the agent. Streamed updates and
// permission requests are delivered to host until the prompt call returns.
func (a *Agent) StartTurn(ctx context.Context, backendSessionID, content string, host session.TurnHost) error {
	a.turnMu.Lock()
	a.turns[backendSessionID] = host
	a.turnMu.Unlock()
	defer func() {
		a.turnMu.Lock()
		delete(a.turns, backendSessionID)
		a.turnMu.Unlock()
	}()

	host.Emit(protocol.TurnStart{})

	resp, err := a.call(ctx, "session/prompt", map[string]string{
		"sessionId": backendSessionID,
		"content":   content,
	})
	if err != nil {
		return fmt.Errorf("session/prompt failed: %w", err)
	}
	if resp.Error != nil {
		host.Emit(protocol.StreamError{Message: resp.Error.Message, Recoverable: false})
		return resp.Error
	}

	var result promptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("failed to parse session/prompt result: %w", err)
	}

	host.Emit(protocol.TurnComplete{Usage: protocol.Usage{
		InputTokens:  result.Usage.Input,
		OutputTokens: result.Usage.Output,
	}})
	return nil
}

// Close shuts down the agent process.
func (a *Agent) Close() error {
	a.cancel()
	if a.stdin != nil {
		a.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- a.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.cmd.Process.Kill()
	}

	a.wg.Wait()
	return nil
}

func (a *Agent) readLoop(stdout io.Reader) {
	defer a.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      *int64          `json:"id"`
			Method  string          `json:"method"`
			Result  json.RawMessage `json:"result"`
			Error   *jsonrpcError   `json:"error"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			a.log.Warn("agent sent unparseable line", "error", err)
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			// Response to one of our calls.
			a.pendingMu.Lock()
			ch, ok := a.pending[*msg.ID]
			if ok {
				delete(a.pending, *msg.ID)
			}
			a.pendingMu.Unlock()
			if ok {
				ch <- &jsonrpcResponse{JSONRPC: msg.JSONRPC, ID: *msg.ID, Result: msg.Result, Error: msg.Error}
			}
		case msg.Method == "session/update":
			a.handleUpdate(msg.Params)
		case msg.Method == "session/request_permission" && msg.ID != nil:
			go a.handlePermissionRequest(*msg.ID, msg.Params)
		default:
			a.log.Warn("agent sent unknown message", "method", msg.Method)
		}
	}

	if err := scanner.Err(); err != nil {
		a.log.Error("agent read loop failed", "error", err)
	}

	// The process is gone; every waiting call gets an error response.
	a.pendingMu.Lock()
	for id, ch := range a.pending {
		ch <- &jsonrpcResponse{ID: id, Error: &jsonrpcError{Code: -1, Message: "agent process exited"}}
		delete(a.pending, id)
	}
	a.pendingMu.Unlock()
}

func (a *Agent) readStderr() {
	defer a.wg.Done()

	scanner := bufio.NewScanner(a.stderr)
	for scanner.Scan() {
		a.log.Debug("agent stderr", "line", scanner.Text())
	}
}

func (a *Agent) handleUpdate(params json.RawMessage) {
	var u sessionUpdate
	if err := json.Unmarshal(params, &u); err != nil {
		a.log.Warn("malformed session/update", "error", err)
		return
	}

	a.turnMu.RLock()
	host, ok := a.turns[u.SessionID]
	a.turnMu.RUnlock()
	if !ok {
		a.log.Debug("update for session with no active turn", "session_id", u.SessionID)
		return
	}

	switch u.Kind {
	case "text_delta":
		host.Emit(protocol.TextDelta{Text: u.Text})
	case "thinking_delta":
		host.Emit(protocol.ThinkingDelta{Text: u.Text})
	case "tool_use_start":
		host.Emit(protocol.ToolUseStart{ToolID: u.ToolID, ToolName: u.ToolName})
	case "tool_input_delta":
		host.Emit(protocol.ToolInputDelta{ToolID: u.ToolID, Delta: u.Delta})
	case "tool_result":
		host.Emit(protocol.ToolResult{ToolID: u.ToolID, Content: u.Content})
	case "error":
		host.Emit(protocol.StreamError{Message: u.Message, Recoverable: u.Retrying})
	default:
		a.log.Warn("unknown update kind", "kind", u.Kind)
	}
}

func (a *Agent) handlePermissionRequest(id int64, params json.RawMessage) {
	var p permissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		a.respond(id, nil, &jsonrpcError{Code: -32602, Message: "malformed permission request"})
		return
	}

	a.turnMu.RLock()
	host, ok := a.turns[p.SessionID]
	a.turnMu.RUnlock()
	if !ok {
		a.respond(id, nil, &jsonrpcError{Code: -32000, Message: "no active turn for session"})
		return
	}

	// Blocks until a client answers or the supervisor force-denies.
	approved, err := host.RequestPermission(context.Background(), p.Tool, p.Description)
	if err != nil {
		a.respond(id, nil, &jsonrpcError{Code: -32000, Message: err.Error()})
		return
	}
	a.respond(id, map[string]bool{"approved": approved}, nil)
}

func (a *Agent) respond(id int64, result any, rpcErr *jsonrpcError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	if err := a.write(resp); err != nil {
		a.log.Error("failed to respond to agent", "error", err)
	}
}

func (a *Agent) call(ctx context.Context, method string, params any) (*jsonrpcResponse, error) {
	id := atomic.AddInt64(&a.nextID, 1)

	respCh := make(chan *jsonrpcResponse, 1)
	a.pendingMu.Lock()
	a.pending[id] = respCh
	a.pendingMu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := a.write(req); err != nil {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (a *Agent) write(v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.encoder.Encode(v)
}
