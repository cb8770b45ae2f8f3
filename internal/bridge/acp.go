package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
	"github.com/avatar-runtime/avatar-bridge/internal/sessionstore"
)

// ACPConfig extends Config with the ACP provider's spawn and session
// parameters. Grounded on bridges/gemini.py (the "gemini" provider, with
// oneshot fallback) and bridges/codex.py (the "codex" provider, ACP-only).
type ACPConfig struct {
	Config
	Executable     string
	ExecutableArgs []string // e.g. ["@zed-industries/codex-acp"] when Executable is "npx"

	SupportsOneshot       bool
	OneshotExecutable     string
	OneshotExecutableArgs []string

	// Codex-specific auth/session parameters; ignored by Gemini.
	AuthMethod   string // "chatgpt" | "codex-api-key" | "openai-api-key"
	SandboxMode  string // "read-only" | "workspace-write" | "danger-full-access"
	ApprovalMode string // "auto" | "manual"
	SessionMode  string

	// InlineAttachmentLimitBytes resolves DESIGN.md Open Question 4: the
	// inline-vs-link threshold is confirmed per-provider, not a shared
	// constant. Defaults to 20 MiB for both current ACP providers (see
	// DESIGN.md), but is a per-bridge field, not a package constant, so a
	// future third ACP provider can override it.
	InlineAttachmentLimitBytes int64
}

// ACPBridge drives an Agent Client Protocol agent over JSON-RPC/stdio.
// One ACPBridge instance is either the Gemini-style provider (oneshot
// fallback, can_list forced true) or the Codex-style provider (ACP only,
// chatgpt/api-key auth, sandbox/approval modes) depending on cfg/provider.
type ACPBridge struct {
	*Base
	cfg       ACPConfig
	provider  Provider
	sandbox   *sandbox.Sandbox
	fsStore   sessionstore.Store

	cmd       *exec.Cmd
	transport *acpTransport

	capsMu     sync.Mutex
	sessCaps   SessionCapabilities
	activeTurn *acpTurn

	// pendingResumeContext holds a "Previous conversation" transcript
	// block, loaded from fsStore when a requested resume was silently
	// converted into a new session (spec.md §4.8 point 4), to be
	// prefixed onto the next outgoing prompt.
	pendingResumeContext string

	restarting sync.Mutex
}

// NewACPBridge constructs an ACP bridge for the given provider ("gemini"
// or "codex"). The caller supplies the correct filesystem session-store
// fallback (sessionstore.NewGeminiStore() / sessionstore.NewCodexStore()).
func NewACPBridge(provider Provider, cfg ACPConfig, sb *sandbox.Sandbox, fsStore sessionstore.Store) *ACPBridge {
	if cfg.InlineAttachmentLimitBytes <= 0 {
		cfg.InlineAttachmentLimitBytes = 20 * 1024 * 1024
	}
	return &ACPBridge{
		Base:     NewBase(cfg.Config, sb),
		cfg:      cfg,
		provider: provider,
		sandbox:  sb,
		fsStore:  fsStore,
	}
}

func (a *ACPBridge) Provider() Provider { return a.provider }

func (a *ACPBridge) caps() SessionCapabilities {
	a.capsMu.Lock()
	defer a.capsMu.Unlock()
	return a.sessCaps
}

func (a *ACPBridge) setCaps(c SessionCapabilities) {
	a.capsMu.Lock()
	a.sessCaps = c
	a.capsMu.Unlock()
}

func (a *ACPBridge) spawnArgs() (string, []string) {
	exe := a.cfg.Executable
	if exe == "" {
		exe = "npx"
	}
	return exe, a.cfg.ExecutableArgs
}

// Start spawns the ACP agent, runs initialize/authenticate, and creates
// or resumes a session via the 3-step cascade in acpsession.go. Grounded
// on gemini.py::_start_acp and codex.py::_start_acp.
func (a *ACPBridge) Start(ctx context.Context) error {
	a.setState(StateWarmingUp)

	exe, args := a.spawnArgs()
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = a.cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.setState(StateError)
		return fmt.Errorf("acp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.setState(StateError)
		return fmt.Errorf("acp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.setState(StateError)
		return fmt.Errorf("acp: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		a.setState(StateError)
		return fmt.Errorf("acp: spawn %s: %w", exe, err)
	}
	a.cmd = cmd
	a.markStarted(cmd.Process.Pid)
	go a.drainStderr(stderr)

	a.transport = newACPTransport(cmd, stdin, stdout)
	a.transport.notificationHandler = a.handleNotification
	a.transport.requestHandler = a.handleServerRequest

	var initResp acpInitializeResult
	if err := a.transport.Call(ctx, "initialize", map[string]any{"protocolVersion": 1}, &initResp); err != nil {
		a.setState(StateError)
		return fmt.Errorf("acp: initialize: %w", err)
	}
	caps := storeACPCapabilities(initResp)
	if a.provider == ProviderGemini {
		// Gemini's filesystem fallback means listing is always possible,
		// regardless of what the agent itself advertises.
		caps.CanList = true
	}
	a.setCaps(caps)

	if err := a.authenticate(ctx); err != nil {
		a.setState(StateError)
		return err
	}

	if err := a.createOrResumeSession(ctx, ""); err != nil {
		a.setState(StateError)
		return fmt.Errorf("acp: session creation: %w", err)
	}

	if a.provider == ProviderGemini {
		// Set only after session creation: calling load_session on this
		// agent before a session exists is known to hang (see
		// DESIGN.md's grounding note on gemini.py).
		c := a.caps()
		c.CanLoad = true
		a.setCaps(c)
	}

	if err := a.applySessionMode(ctx, a.cfg.SessionMode); err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("set_session_mode failed, continuing without it")
	}

	a.setState(StateReady)
	return nil
}

// authenticate runs the provider-specific auth handshake. For Codex, a
// timeout during auth is fatal with an actionable hint; "not
// supported"/"not implemented" errors are tolerated as success (several
// agents don't require explicit authenticate when already logged in via
// their own CLI).
func (a *ACPBridge) authenticate(ctx context.Context) error {
	method := a.cfg.AuthMethod
	if method == "" {
		return nil
	}
	err := a.transport.Call(ctx, "authenticate", map[string]any{"methodId": method}, nil)
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "not supported") || strings.Contains(lower, "not implemented") {
		return nil
	}
	if err == context.DeadlineExceeded || a.isTimeoutErr(err) {
		if a.provider == ProviderCodex {
			return fmt.Errorf("acp: codex authentication timed out — run `codex login` or set an API key env var: %w", err)
		}
	}
	return fmt.Errorf("acp: authenticate: %w", err)
}

func (a *ACPBridge) isTimeoutErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func (a *ACPBridge) drainStderr(r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 64*1024)
	var leftover []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			leftover = append(leftover, buf[:n]...)
			for {
				idx := indexByte(leftover, '\n')
				if idx < 0 {
					break
				}
				a.recordStderrLine(string(leftover[:idx]))
				leftover = leftover[idx+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Stop terminates the ACP subprocess and closes the transport.
func (a *ACPBridge) Stop(ctx context.Context) error {
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.cmd != nil && a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
		_ = a.cmd.Wait()
	}
	a.setState(StateDisconnected)
	return nil
}

// acpContentBlock mirrors ACP's content-block union (text, image, audio,
// resource, resource_link).
type acpContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, when inlined
}

// buildPromptBlocks converts a Message into ACP content blocks: one block
// per attachment, then the text block, in that order — grounded on
// gemini.py::_build_prompt_blocks. Attachments over
// cfg.InlineAttachmentLimitBytes, or with a Size of zero, are linked by
// URI (resource_link); other ones are read off disk and inlined as
// base64, split at the
// per-bridge threshold per DESIGN.md Open Question 4.
func (a *ACPBridge) buildPromptBlocks(msg Message) []acpContentBlock {
	blocks := make([]acpContentBlock, 0, len(msg.Attachments)+1)
	for _, att := range msg.Attachments {
		if att.Size > 0 && att.Size <= a.cfg.InlineAttachmentLimitBytes {
			blocks = append(blocks, a.buildInlineBlock(att))
		} else {
			blocks = append(blocks, acpContentBlock{Type: "resource_link", URI: "file://" + att.Path, MimeType: att.MimeType})
		}
	}
	blocks = append(blocks, acpContentBlock{Type: "text", Text: msg.Content})
	return blocks
}

// buildInlineBlock reads att off disk and base64-encodes it into an
// image/audio/embedded-resource block. Falls back to a resource_link if
// the file cannot be read, rather than sending a block with empty data.
func (a *ACPBridge) buildInlineBlock(att Attachment) acpContentBlock {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return acpContentBlock{Type: "resource_link", URI: "file://" + att.Path, MimeType: att.MimeType}
	}
	return acpContentBlock{
		Type:     mimeFamilyBlockType(att.MimeType),
		MimeType: att.MimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
}

func mimeFamilyBlockType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "resource"
	}
}

// effectiveTimeout implements the per-turn timeout formula from
// gemini.py::_send_acp: base timeout plus 3 seconds per MiB of attachment
// payload, with a partial MiB rounded up to a whole one.
func (a *ACPBridge) effectiveTimeout(msg Message) time.Duration {
	base := a.cfg.Timeout
	if base <= 0 {
		base = 120 * time.Second
	}
	var totalBytes int64
	for _, att := range msg.Attachments {
		totalBytes += att.Size
	}
	mib := math.Ceil(float64(totalBytes) / (1024 * 1024))
	return base + time.Duration(3*mib)*time.Second
}

type acpPromptParams struct {
	SessionID string            `json:"sessionId"`
	Prompt    []acpContentBlock `json:"prompt"`
}

// Send completes one turn without ever returning a Go error.
func (a *ACPBridge) Send(ctx context.Context, msg Message) Response {
	resp, _ := a.send(ctx, msg, nil)
	return resp
}

// SendStream raises on failure, the asymmetric counterpart to Send.
func (a *ACPBridge) SendStream(ctx context.Context, msg Message, cb EventCallback) (Response, error) {
	resp, err := a.send(ctx, msg, cb)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("acp: %s", resp.Error)
	}
	return resp, nil
}

func (a *ACPBridge) send(ctx context.Context, msg Message, cb EventCallback) (Response, error) {
	// Wait for any in-flight catastrophic-error restart to finish.
	a.restarting.Lock()
	a.restarting.Unlock()

	start := time.Now()
	if a.IsOverBudget() {
		resp := Response{Success: false, Error: "budget exceeded"}
		a.updateStats(resp)
		return resp, fmt.Errorf("acp: budget exceeded")
	}

	timeout := a.effectiveTimeout(msg)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.setState(StateBusy)
	defer a.setState(StateReady)

	turn := a.beginTurn(cb)
	defer a.endTurn()

	a.capsMu.Lock()
	prefix := a.pendingResumeContext
	a.pendingResumeContext = ""
	a.capsMu.Unlock()
	if prefix != "" {
		msg.Content = prefix + "\n" + msg.Content
	}
	if sp := a.prependSystemPromptOnce(); sp != "" {
		msg.Content = "[System instructions]\n" + sp + "\n\n" + msg.Content
	}

	var result json.RawMessage
	err := a.transport.Call(ctx, "prompt", acpPromptParams{
		SessionID: a.SessionID(), Prompt: a.buildPromptBlocks(msg),
	}, &result)

	hadAttachments := len(msg.Attachments) > 0
	if err != nil {
		isCatastrophic := hadAttachments && strings.Contains(strings.ToLower(err.Error()), "internal error")
		if isCatastrophic {
			go a.restartAfterCatastrophicError(context.Background())
			resp := Response{Success: false, Error: "agent hit an internal error processing attachments; restarting the session in the background"}
			a.updateStats(resp)
			return resp, err
		}
		if a.cfg.SupportsOneshot {
			return a.sendOneshot(ctx, msg, start)
		}
		resp := Response{Success: false, Error: err.Error(), DurationMS: time.Since(start).Milliseconds()}
		a.updateStats(resp)
		return resp, err
	}

	content := turn.text.String()
	turn.mu.Lock()
	images := append([]generatedImageBlock{}, turn.images...)
	turn.mu.Unlock()
	images = append(images, extractImageBlocksFromResult(result)...)

	resp := Response{
		Content:         content,
		Success:         true,
		ToolCalls:       turn.toolCalls,
		DurationMS:      time.Since(start).Milliseconds(),
		SessionID:       a.SessionID(),
		GeneratedImages: a.saveGeneratedImages(images),
	}
	a.updateStats(resp)
	a.appendHistory(Message{Role: "user", Content: msg.Content, Timestamp: start})
	a.appendHistory(Message{Role: "assistant", Content: content, ToolCalls: turn.toolCalls, Timestamp: time.Now()})
	return resp, nil
}

// sendOneshot is Gemini's fallback command-line path, used when the
// persistent ACP session fails for a non-catastrophic reason. Codex has
// no oneshot mode at all ("Codex CLI has no headless stream-json mode" —
// codex.py's own docstring), so cfg.SupportsOneshot is false for it and
// this path is never reached.
func (a *ACPBridge) sendOneshot(ctx context.Context, msg Message, start time.Time) (Response, error) {
	exe := a.cfg.OneshotExecutable
	if exe == "" {
		resp := Response{Success: false, Error: "no oneshot fallback configured"}
		a.updateStats(resp)
		return resp, fmt.Errorf("acp: no oneshot fallback configured")
	}
	args := append([]string{}, a.cfg.OneshotExecutableArgs...)
	args = append(args, msg.Content)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = a.cfg.WorkingDir
	out, err := cmd.Output()
	if err != nil {
		resp := Response{Success: false, Error: err.Error(), DurationMS: time.Since(start).Milliseconds()}
		a.updateStats(resp)
		return resp, err
	}
	resp := Response{Content: string(out), Success: true, DurationMS: time.Since(start).Milliseconds()}
	a.updateStats(resp)
	return resp, nil
}

// restartAfterCatastrophicError restarts the ACP session after a
// catastrophic attachment-processing failure. Subsequent sends that
// arrive while this is in flight block on the same mutex, matching the
// original's "await the in-flight restart" behavior.
func (a *ACPBridge) restartAfterCatastrophicError(ctx context.Context) {
	a.restarting.Lock()
	defer a.restarting.Unlock()
	if err := a.Stop(ctx); err != nil {
		a.cfg.Logger.Error().Err(err).Msg("failed to stop bridge during catastrophic-error restart")
	}
	if err := a.Start(ctx); err != nil {
		a.cfg.Logger.Error().Err(err).Msg("failed to restart bridge after catastrophic error")
	}
}

// acpTurn accumulates the raw session/update notifications for one
// in-flight prompt call.
type acpTurn struct {
	mu          sync.Mutex
	text        stringsBuilder
	toolCalls   []ToolCall
	images      []generatedImageBlock
	cb          EventCallback
	wasThinking bool
}

// generatedImageBlock is a base64 image content block surfaced by the
// agent during a turn, pending save-to-disk per spec.md:203.
type generatedImageBlock struct {
	Data     string
	MimeType string
}

var imageMimeExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// saveGeneratedImages decodes each accumulated image block and writes it
// to cfg.UploadDir (or the OS temp dir's avatar-engine/uploads) under a
// random 8-hex-digit filename with the extension matching its MIME type,
// per spec.md:203. Blocks that fail to decode are skipped rather than
// aborting the whole turn.
func (a *ACPBridge) saveGeneratedImages(images []generatedImageBlock) []string {
	if len(images) == 0 {
		return nil
	}
	dir := a.cfg.UploadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "avatar-engine", "uploads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("failed to create upload dir for generated images")
		return nil
	}

	var paths []string
	for _, img := range images {
		raw, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			a.cfg.Logger.Warn().Err(err).Msg("failed to decode generated image block")
			continue
		}
		ext, ok := imageMimeExtensions[img.MimeType]
		if !ok {
			ext = ".bin"
		}
		name, err := randomHexName(4)
		if err != nil {
			continue
		}
		path := filepath.Join(dir, name+ext)
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			a.cfg.Logger.Warn().Err(err).Msg("failed to write generated image")
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// extractImageBlocksFromResult scans the raw "prompt" RPC result for
// image content blocks, covering agents that return inline images in
// the final response rather than (or in addition to) streaming them via
// session/update notifications.
func extractImageBlocksFromResult(result json.RawMessage) []generatedImageBlock {
	if len(result) == 0 {
		return nil
	}
	var generic any
	if err := json.Unmarshal(result, &generic); err != nil {
		return nil
	}
	var images []generatedImageBlock
	scanForImageBlocks(generic, &images)
	return images
}

func scanForImageBlocks(node any, out *[]generatedImageBlock) {
	switch v := node.(type) {
	case map[string]any:
		if t, _ := v["type"].(string); t == "image" {
			if data, ok := v["data"].(string); ok && data != "" {
				mime, _ := v["mimeType"].(string)
				*out = append(*out, generatedImageBlock{Data: data, MimeType: mime})
				return
			}
		}
		for _, child := range v {
			scanForImageBlocks(child, out)
		}
	case []any:
		for _, child := range v {
			scanForImageBlocks(child, out)
		}
	}
}

// loadFallbackResumeContext implements spec.md §4.8 point 4: when the
// first ACP agent (Gemini) silently converts a requested resume into a
// new session, the transcript the agent itself no longer has access to
// is recovered from fsStore and queued as a "Previous conversation"
// block prefixed onto the next outgoing prompt. Only Gemini carries an
// fsStore wired for this; Codex's cascade never calls this helper.
func (a *ACPBridge) loadFallbackResumeContext(requestedSessionID string) {
	if a.fsStore == nil || requestedSessionID == "" {
		return
	}
	messages, err := a.fsStore.LoadSessionMessages(requestedSessionID, a.cfg.WorkingDir)
	if err != nil || len(messages) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	a.capsMu.Lock()
	a.pendingResumeContext = b.String()
	a.capsMu.Unlock()
}

func randomHexName(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type stringsBuilder = strings.Builder

func (a *ACPBridge) beginTurn(cb EventCallback) *acpTurn {
	t := &acpTurn{cb: cb}
	a.capsMu.Lock()
	a.activeTurn = t
	a.capsMu.Unlock()
	return t
}

func (a *ACPBridge) endTurn() {
	a.capsMu.Lock()
	a.activeTurn = nil
	a.capsMu.Unlock()
}

// handleNotification dispatches ACP session/update (and any other
// server-initiated notification) into raw events, enforcing tool policy
// mandatorily per DESIGN.md Open Question 2: a denied tool_use is
// reported as an immediate synthetic tool_end failure instead of being
// allowed to run, rather than merely being advisory.
func (a *ACPBridge) handleNotification(method string, params json.RawMessage) {
	if method != "session/update" {
		return
	}
	var update struct {
		Update struct {
			SessionUpdate string `json:"sessionUpdate"`
			Content       struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				Data     string `json:"data"`
				MimeType string `json:"mimeType"`
			} `json:"content"`
			ToolCall struct {
				ToolCallID string `json:"toolCallId"`
				Title      string `json:"title"`
				Kind       string `json:"kind"`
			} `json:"toolCall"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &update); err != nil {
		return
	}

	a.capsMu.Lock()
	turn := a.activeTurn
	a.capsMu.Unlock()
	if turn == nil {
		return
	}

	switch update.Update.SessionUpdate {
	case "agent_thought_chunk":
		turn.mu.Lock()
		turn.wasThinking = true
		turn.mu.Unlock()
		subject := ExtractBoldSubject(update.Update.Content.Text)
		phase := ClassifyThinking(subject, update.Update.Content.Text)
		a.emit(RawEvent{Kind: "thinking", Data: map[string]any{
			"thought": update.Update.Content.Text, "subject": subject, "phase": string(phase),
		}})
		if turn.cb != nil {
			turn.cb(RawEvent{Kind: "thinking", Data: map[string]any{"thought": update.Update.Content.Text}})
		}
	case "agent_message_chunk":
		if update.Update.Content.Type == "image" && update.Update.Content.Data != "" {
			turn.mu.Lock()
			turn.images = append(turn.images, generatedImageBlock{
				Data: update.Update.Content.Data, MimeType: update.Update.Content.MimeType,
			})
			turn.mu.Unlock()
			return
		}
		turn.mu.Lock()
		wasThinking := turn.wasThinking
		turn.wasThinking = false
		turn.text.WriteString(update.Update.Content.Text)
		turn.mu.Unlock()
		if wasThinking {
			a.emit(RawEvent{Kind: "thinking", Data: map[string]any{"is_complete": true}})
		}
		a.emit(RawEvent{Kind: "text_delta", Data: map[string]any{"text": update.Update.Content.Text}})
		if turn.cb != nil {
			turn.cb(RawEvent{Kind: "text_delta", Data: map[string]any{"text": update.Update.Content.Text}})
		}
	case "tool_call", "tool_call_update":
		toolName := update.Update.ToolCall.Title
		if !a.cfg.ToolPolicy.IsAllowed(toolName) {
			a.emit(RawEvent{Kind: "tool_end", Data: map[string]any{
				"tool_name": toolName, "success": false, "error": "denied by tool policy",
			}})
			return
		}
		call := ToolCall{ToolName: toolName, ToolID: update.Update.ToolCall.ToolCallID, Kind: update.Update.ToolCall.Kind}
		turn.mu.Lock()
		turn.toolCalls = append(turn.toolCalls, call)
		turn.mu.Unlock()
		a.emit(RawEvent{Kind: "tool_use", Data: map[string]any{"tool_name": toolName}})
		if turn.cb != nil {
			turn.cb(RawEvent{Kind: "tool_use", Data: map[string]any{"tool_name": toolName}})
		}
	}
}

// handleServerRequest answers server-initiated requests. permission/request
// is auto-approved when ApprovalMode=="auto" (the default) and otherwise
// denied, since there is no human operator attached to this headless
// runtime to prompt.
func (a *ACPBridge) handleServerRequest(method string, params json.RawMessage) (any, *acpRPCError) {
	if method != "permission/request" {
		return nil, &acpRPCError{Code: -32601, Message: "method not found"}
	}
	approved := a.cfg.ApprovalMode == "" || a.cfg.ApprovalMode == "auto"
	return map[string]any{"outcome": map[string]any{"approved": approved}}, nil
}

func (a *ACPBridge) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	if a.caps().CanList {
		var result acpListSessionsResult
		if err := a.transport.Call(ctx, "list_sessions", map[string]any{"cwd": a.cfg.WorkingDir}, &result); err == nil {
			out := make([]SessionInfo, len(result.Sessions))
			for i, s := range result.Sessions {
				out[i] = SessionInfo{SessionID: s.SessionID, Provider: a.provider, CWD: a.cfg.WorkingDir, Title: s.Title, UpdatedAt: s.UpdatedAt}
			}
			return out, nil
		}
	}
	if a.fsStore == nil {
		return nil, nil
	}
	infos, err := a.fsStore.ListSessions(a.cfg.WorkingDir)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, len(infos))
	for i, info := range infos {
		out[i] = SessionInfo{SessionID: info.SessionID, Provider: a.provider, CWD: info.CWD, Title: info.Title, UpdatedAt: info.UpdatedAt}
	}
	return out, nil
}

func (a *ACPBridge) ResumeSession(ctx context.Context, sessionID string) error {
	return a.createOrResumeSession(ctx, sessionID)
}

func (a *ACPBridge) Capabilities() ProviderCapabilities {
	base := ProviderCapabilities{
		ThinkingSupported:  true,
		ThinkingStructured: true,
		SystemPromptMethod: "injected",
		Streaming:          true,
		ParallelTools:      true,
		Cancellable:        true,
		MCPSupported:       true,
	}
	switch a.provider {
	case ProviderGemini:
		base.CanListSessions = true
		base.CanLoadSession = true
	case ProviderCodex:
		base.CanListSessions = a.caps().CanList
		base.CanLoadSession = a.caps().CanLoad
	}
	return base
}

func (a *ACPBridge) SessionCapabilities() SessionCapabilities {
	return a.caps()
}

func (a *ACPBridge) CheckHealth() HealthStatus {
	var rc *int
	if a.cmd != nil && a.cmd.ProcessState != nil {
		v := a.cmd.ProcessState.ExitCode()
		rc = &v
	}
	return HealthStatus{
		Healthy:       a.State() == StateReady || a.State() == StateBusy,
		State:         a.State(),
		Provider:      a.provider,
		SessionID:     a.SessionID(),
		HistoryLength: len(a.History()),
		PID:           a.pid,
		ReturnCode:    rc,
		TotalCostUSD:  a.GetTotalCost(),
		UptimeSeconds: a.Uptime().Seconds(),
	}
}

var _ Bridge = (*ACPBridge)(nil)
