package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
)

// acpTransport is a JSON-RPC 2.0 transport over a subprocess's stdin/stdout,
// generalizing the teacher's internal/mcp/transport.go StdioTransport to
// also dispatch server-initiated notifications and requests
// (session/update, permission/request) — ACP is bidirectional where MCP's
// StdioTransport only needed client-initiated request/response. No
// vendored acp-go-sdk source exists anywhere in the retrieval pack to
// ground a real API against, so this protocol layer is hand-rolled in the
// teacher's own transport idiom rather than risking a fabricated
// dependency (see DESIGN.md).
type acpTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan acpRPCResponse

	nextID int64

	notificationHandler func(method string, params json.RawMessage)
	requestHandler      func(method string, params json.RawMessage) (any, *acpRPCError)

	closed atomic.Bool
}

type acpRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

type acpRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *acpRPCError    `json:"error,omitempty"`
}

type acpRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *acpRPCError) Error() string { return fmt.Sprintf("acp error %d: %s", e.Code, e.Message) }

func newACPTransport(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader) *acpTransport {
	t := &acpTransport{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		pending: make(map[int64]chan acpRPCResponse),
	}
	go t.readLoop()
	return t
}

func (t *acpTransport) readLoop() {
	for {
		line, err := t.stdout.ReadString('\n')
		if len(line) > 0 {
			t.dispatch([]byte(line))
		}
		if err != nil {
			t.failAllPending(err)
			return
		}
	}
}

func (t *acpTransport) dispatch(line []byte) {
	var msg acpRPCResponse
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}

	if msg.ID != nil && (msg.Result != nil || msg.Error != nil) {
		t.pendingMu.Lock()
		ch, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}

	// Server-initiated request (carries an id, no result/error yet) or
	// notification (no id).
	if msg.ID != nil && msg.Method != "" {
		if t.requestHandler != nil {
			result, rpcErr := t.requestHandler(msg.Method, msg.Params)
			t.replyTo(*msg.ID, result, rpcErr)
		}
		return
	}
	if msg.Method != "" && t.notificationHandler != nil {
		t.notificationHandler(msg.Method, msg.Params)
	}
}

func (t *acpTransport) replyTo(id int64, result any, rpcErr *acpRPCError) {
	resp := acpRPCResponse{JSONRPC: "2.0", ID: &id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		data, _ := json.Marshal(result)
		resp.Result = data
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	data = append(data, '\n')
	_, _ = t.stdin.Write(data)
}

func (t *acpTransport) failAllPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		ch <- acpRPCResponse{Error: &acpRPCError{Code: -1, Message: err.Error()}}
		delete(t.pending, id)
	}
}

// Call issues a request and blocks for the matching response or ctx
// cancellation.
func (t *acpTransport) Call(ctx context.Context, method string, params any, result any) error {
	id := atomic.AddInt64(&t.nextID, 1)
	ch := make(chan acpRPCResponse, 1)

	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	req := acpRPCRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return err
	}

	t.writeMu.Lock()
	_, writeErr := t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if writeErr != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return writeErr
	}

	select {
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	}
}

// Notify sends a one-way notification (no id, no response expected).
func (t *acpTransport) Notify(method string, params any) error {
	req := acpRPCRequest{JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Close releases transport resources (idempotent).
func (t *acpTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.stdin.Close()
}

func (t *acpTransport) IsClosed() bool { return t.closed.Load() }
