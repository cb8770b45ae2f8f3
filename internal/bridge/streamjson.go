package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge/linereader"
	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
	"github.com/avatar-runtime/avatar-bridge/internal/sessionstore"
)

// StreamJSONConfig extends the shared Config with the stream-JSON
// provider's own spawn parameters, grounded on bridges/claude.py.
type StreamJSONConfig struct {
	Config
	Executable      string // defaults to "claude"
	PermissionMode  string // e.g. "acceptEdits", "bypassPermissions"
	FallbackModel   string
	StrictMCPConfig bool
	Debug           bool

	// JSONSchema, when set, is written to the sandbox and passed via
	// --json-schema (spec.md:160), grounded on
	// claude.py::_build_persistent_command.
	JSONSchema map[string]any
}

// StreamJSONBridge drives an agent CLI speaking newline-delimited JSON
// over stdio in persistent mode (spawned once, fed one user frame per
// turn), with a one-shot command-line fallback when persistent spawn
// fails. Grounded on bridges/claude.py in full.
type StreamJSONBridge struct {
	*Base
	cfg StreamJSONConfig

	sandbox *sandbox.Sandbox
	store   *sessionstore.ClaudeStore

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *linereader.Reader

	oneshot bool // true once persistent spawn has failed and we fell back
}

// NewStreamJSONBridge constructs a Claude-style bridge. sb must already
// be created by the caller (the Engine owns sandbox lifetime alongside
// the bridge's).
func NewStreamJSONBridge(cfg StreamJSONConfig, sb *sandbox.Sandbox) *StreamJSONBridge {
	if cfg.Executable == "" {
		cfg.Executable = "claude"
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = "acceptEdits"
	}
	return &StreamJSONBridge{
		Base:    NewBase(cfg.Config, sb),
		cfg:     cfg,
		sandbox: sb,
		store:   sessionstore.NewClaudeStore(),
	}
}

func (s *StreamJSONBridge) Provider() Provider { return ProviderClaude }

func (s *StreamJSONBridge) buildPersistentArgs(resumeSessionID string) ([]string, error) {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	if len(s.cfg.MCPServers) > 0 {
		path, err := s.sandbox.WriteMCPConfig(s.cfg.MCPServers)
		if err != nil {
			return nil, err
		}
		args = append(args, "--mcp-config", path)
		if s.cfg.StrictMCPConfig {
			args = append(args, "--strict-mcp-config")
		}
	}

	settingsPath, err := s.sandbox.WriteClaudeSettings(map[string]any{
		"permissionMode": s.cfg.PermissionMode,
	})
	if err != nil {
		return nil, err
	}
	args = append(args, "--settings", settingsPath, "--permission-mode", s.cfg.PermissionMode)

	if prompt := s.effectiveSystemPrompt(); prompt != "" {
		args = append(args, "--append-system-prompt", prompt)
	}

	if s.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", s.cfg.MaxTurns))
	}

	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	} else if s.SessionID() != "" {
		args = append(args, "--continue")
	}

	if s.cfg.FallbackModel != "" {
		args = append(args, "--fallback-model", s.cfg.FallbackModel)
	}
	if s.cfg.Debug {
		args = append(args, "--debug")
	}

	if len(s.cfg.JSONSchema) > 0 {
		schemaPath, err := s.sandbox.WriteJSONSchema(s.cfg.JSONSchema)
		if err != nil {
			return nil, err
		}
		args = append(args, "--json-schema", schemaPath)
	}

	return args, nil
}

// Start spawns the agent persistently and probes liveness after 100ms.
func (s *StreamJSONBridge) Start(ctx context.Context) error {
	s.setState(StateWarmingUp)

	args, err := s.buildPersistentArgs("")
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("streamjson: build args: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Executable, args...)
	cmd.Dir = s.cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("streamjson: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("streamjson: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("streamjson: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateError)
		return fmt.Errorf("streamjson: spawn %s: %w", s.cfg.Executable, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = linereader.New(stdout)
	s.markStarted(cmd.Process.Pid)

	go s.drainStderr(stderr)

	// Liveness probe: give the process a moment to fail fast (missing
	// binary, bad flags) before declaring readiness.
	time.Sleep(100 * time.Millisecond)
	if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
		s.setState(StateError)
		return fmt.Errorf("streamjson: process exited immediately: %s", strings.Join(s.StderrTail(), "; "))
	}

	s.setState(StateReady)
	return nil
}

func (s *StreamJSONBridge) drainStderr(r io.Reader) {
	lr := linereader.New(r)
	for {
		line, err := lr.ReadLine()
		if len(line) > 0 {
			s.recordStderrLine(string(line))
		}
		if err != nil {
			return
		}
	}
}

// Stop terminates the subprocess.
func (s *StreamJSONBridge) Stop(ctx context.Context) error {
	if s.cmd == nil || s.cmd.Process == nil {
		s.setState(StateDisconnected)
		return nil
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.setState(StateDisconnected)
	return nil
}

type streamUserFrame struct {
	Type      string         `json:"type"`
	Message   streamUserMsg  `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
}

type streamUserMsg struct {
	Role    string               `json:"role"`
	Content []streamContentBlock `json:"content"`
}

type streamContentBlock struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *streamBlockSource `json:"source,omitempty"`
	Title  string             `json:"title,omitempty"`
}

type streamBlockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// supportedImageMimeTypes lists the image media types spec.md:165
// allows as inline "image" blocks; anything else falls through to the
// PDF check, then is omitted entirely.
var supportedImageMimeTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

func buildUserFrame(msg Message, sessionID string) streamUserFrame {
	content := []streamContentBlock{{Type: "text", Text: msg.Content}}
	for _, a := range msg.Attachments {
		if block, ok := buildAttachmentBlock(a); ok {
			content = append(content, block)
		}
	}
	return streamUserFrame{
		Type:      "user",
		Message:   streamUserMsg{Role: "user", Content: content},
		SessionID: sessionID,
	}
}

// buildAttachmentBlock reads an attachment off disk and encodes it as an
// image or document content block per spec.md:165-168. Unsupported mime
// types are omitted from the block list (ok == false).
func buildAttachmentBlock(a Attachment) (streamContentBlock, bool) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return streamContentBlock{}, false
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	if supportedImageMimeTypes[a.MimeType] {
		return streamContentBlock{
			Type:   "image",
			Source: &streamBlockSource{Type: "base64", MediaType: a.MimeType, Data: encoded},
		}, true
	}
	if a.MimeType == "application/pdf" {
		title := a.Filename
		if title == "" {
			title = filepath.Base(a.Path)
		}
		return streamContentBlock{
			Type:   "document",
			Source: &streamBlockSource{Type: "base64", MediaType: "application/pdf", Data: encoded},
			Title:  title,
		}, true
	}
	return streamContentBlock{}, false
}

// parseToolCalls scans top-level `{"type":"tool_use", ...}` frames,
// aliasing both key-naming conventions seen across agent versions. See
// DESIGN.md "Open Question Decisions" #1 for why top-level (not nested
// under assistant.content[]) is the resolved reading.
func parseToolCalls(frame map[string]any) []ToolCall {
	if t, _ := frame["type"].(string); t != "tool_use" {
		return nil
	}
	name, _ := frame["tool_name"].(string)
	if name == "" {
		name, _ = frame["name"].(string)
	}
	id, _ := frame["tool_id"].(string)
	if id == "" {
		id, _ = frame["id"].(string)
	}
	var params map[string]any
	if p, ok := frame["parameters"].(map[string]any); ok {
		params = p
	} else if p, ok := frame["input"].(map[string]any); ok {
		params = p
	}
	if name == "" {
		return nil
	}
	return []ToolCall{{ToolName: name, ToolID: id, Parameters: params}}
}

func extractAssistantText(frame map[string]any) string {
	msg, ok := frame["message"].(map[string]any)
	if !ok {
		return ""
	}
	if role, _ := msg["role"].(string); role != "assistant" {
		return ""
	}
	content, ok := msg["content"].([]any)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t == "text" {
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
			}
		}
	}
	return sb.String()
}

func extractDelta(frame map[string]any) string {
	if t, _ := frame["type"].(string); t != "stream_event" {
		return ""
	}
	event, ok := frame["event"].(map[string]any)
	if !ok {
		return ""
	}
	delta, ok := event["delta"].(map[string]any)
	if !ok {
		return ""
	}
	if text, ok := delta["text_delta"].(string); ok {
		return text
	}
	if text, ok := delta["text"].(string); ok {
		return text
	}
	return ""
}

type resultUsage struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	DurationAPIMS int64  `json:"duration_api_ms"`
}

// Send writes one user frame and reads frames until a result frame,
// never returning a Go error — failures become a failure Response.
func (s *StreamJSONBridge) Send(ctx context.Context, msg Message) Response {
	resp, _ := s.send(ctx, msg, nil)
	return resp
}

// SendStream is the raising counterpart: a nil error only on success.
func (s *StreamJSONBridge) SendStream(ctx context.Context, msg Message, cb EventCallback) (Response, error) {
	resp, err := s.send(ctx, msg, cb)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("streamjson: %s", resp.Error)
	}
	return resp, nil
}

func (s *StreamJSONBridge) send(ctx context.Context, msg Message, cb EventCallback) (Response, error) {
	start := time.Now()
	if s.IsOverBudget() {
		resp := Response{Success: false, Error: "budget exceeded"}
		s.updateStats(resp)
		return resp, fmt.Errorf("streamjson: budget exceeded")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.setState(StateBusy)
	defer s.setState(StateReady)

	frame := buildUserFrame(msg, s.SessionID())
	data, err := json.Marshal(frame)
	if err != nil {
		resp := Response{Success: false, Error: err.Error()}
		s.updateStats(resp)
		return resp, err
	}

	s.stdinMu.Lock()
	_, writeErr := s.stdin.Write(append(data, '\n'))
	s.stdinMu.Unlock()
	if writeErr != nil {
		resp := Response{Success: false, Error: writeErr.Error()}
		s.updateStats(resp)
		return resp, writeErr
	}

	var textBuf bytes.Buffer
	var toolCalls []ToolCall
	var usage resultUsage
	var lastResultText string

	s.readMu.Lock()
	defer s.readMu.Unlock()

readLoop:
	for {
		select {
		case <-ctx.Done():
			resp := Response{Success: false, Error: "timeout", DurationMS: time.Since(start).Milliseconds()}
			s.updateStats(resp)
			return resp, ctx.Err()
		default:
		}

		line, err := s.stdout.ReadLine()
		if err != nil {
			resp := Response{Success: false, Error: fmt.Sprintf("stream ended: %v", err), DurationMS: time.Since(start).Milliseconds()}
			s.updateStats(resp)
			return resp, err
		}
		if len(line) == 0 {
			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}

		frameType, _ := frame["type"].(string)

		if delta := extractDelta(frame); delta != "" {
			textBuf.WriteString(delta)
			s.emit(RawEvent{Kind: "text_delta", Data: map[string]any{"text": delta}})
			if cb != nil {
				cb(RawEvent{Kind: "text_delta", Data: map[string]any{"text": delta}})
			}
		}

		if text := extractAssistantText(frame); text != "" {
			textBuf.WriteString(text)
		}

		if calls := parseToolCalls(frame); len(calls) > 0 {
			toolCalls = append(toolCalls, calls...)
			s.emit(RawEvent{Kind: "tool_use", Data: map[string]any{
				"tool_name": calls[0].ToolName,
				"thinking_subject": fmt.Sprintf("Using %s", calls[0].ToolName),
			}})
			if cb != nil {
				cb(RawEvent{Kind: "tool_use", Data: map[string]any{"tool_name": calls[0].ToolName}})
			}
		}

		if frameType == "result" {
			if r, ok := frame["result"].(string); ok {
				lastResultText = r
			}
			if u, ok := frame["usage"].(map[string]any); ok {
				if v, ok := u["total_cost_usd"].(float64); ok {
					usage.TotalCostUSD = v
				}
			}
			if v, ok := frame["total_cost_usd"].(float64); ok {
				usage.TotalCostUSD = v
			}
			if sid, ok := frame["session_id"].(string); ok && sid != "" {
				s.setSessionID(sid)
			}
			break readLoop
		}
	}

	content := textBuf.String()
	if content == "" {
		content = lastResultText
	}

	resp := Response{
		Content:    content,
		Success:    true,
		ToolCalls:  toolCalls,
		DurationMS: time.Since(start).Milliseconds(),
		SessionID:  s.SessionID(),
		CostUSD:    usage.TotalCostUSD,
	}
	s.updateStats(resp)
	s.appendHistory(Message{Role: "user", Content: msg.Content, Timestamp: start})
	s.appendHistory(Message{Role: "assistant", Content: content, ToolCalls: toolCalls, Timestamp: time.Now()})
	return resp, nil
}

func (s *StreamJSONBridge) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	infos, err := s.store.ListSessions(s.cfg.WorkingDir)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, len(infos))
	for i, info := range infos {
		out[i] = SessionInfo{SessionID: info.SessionID, Provider: ProviderClaude, CWD: info.CWD, Title: info.Title, UpdatedAt: info.UpdatedAt}
	}
	return out, nil
}

func (s *StreamJSONBridge) ResumeSession(ctx context.Context, sessionID string) error {
	s.setSessionID(sessionID)
	return nil
}

func (s *StreamJSONBridge) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		CanListSessions:    true,
		CanLoadSession:     true,
		CanContinueLast:    true,
		ThinkingSupported:  false,
		CostTracking:       true,
		BudgetEnforcement:  true,
		SystemPromptMethod: "native",
		Streaming:          true,
		ParallelTools:      true,
		Cancellable:        true,
		MCPSupported:       true,
	}
}

func (s *StreamJSONBridge) SessionCapabilities() SessionCapabilities {
	return SessionCapabilities{CanList: true, CanLoad: true, CanContinueLast: true}
}

func (s *StreamJSONBridge) CheckHealth() HealthStatus {
	var rc *int
	if s.cmd != nil && s.cmd.ProcessState != nil {
		v := s.cmd.ProcessState.ExitCode()
		rc = &v
	}
	return HealthStatus{
		Healthy:       s.State() == StateReady || s.State() == StateBusy,
		State:         s.State(),
		Provider:      ProviderClaude,
		SessionID:     s.SessionID(),
		HistoryLength: len(s.History()),
		PID:           s.pid,
		ReturnCode:    rc,
		TotalCostUSD:  s.GetTotalCost(),
		UptimeSeconds: s.Uptime().Seconds(),
	}
}

var _ Bridge = (*StreamJSONBridge)(nil)
