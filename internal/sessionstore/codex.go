package sessionstore

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CodexStore reads the second ACP agent's own session history:
//
//	~/.codex/sessions/YYYY/MM/DD/rollout-<ts>-<id>.jsonl
//
// Grounded on sessions/_codex.py. The first line of each file is a
// session_meta event; everything after is a stream of response_item
// events, a subset of which are user/assistant message turns.
type CodexStore struct {
	home string
}

func NewCodexStore() *CodexStore { return &CodexStore{} }

func NewCodexStoreAt(home string) *CodexStore { return &CodexStore{home: home} }

func (s *CodexStore) sessionsRoot() (string, error) {
	if s.home != "" {
		return filepath.Join(s.home, ".codex", "sessions"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".codex", "sessions"), nil
}

type codexSessionMetaPayload struct {
	ID        string `json:"id"`
	CWD       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
}

type codexEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type codexMetaEvent struct {
	Payload codexSessionMetaPayload `json:"payload"`
}

type codexContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexResponseItemPayload struct {
	Role    string              `json:"role"`
	Type    string              `json:"type"`
	Content []codexContentBlock `json:"content"`
}

// isSyntheticCodexBlock filters out agent-injected instruction/environment
// banners that are not real conversation turns.
func isSyntheticCodexBlock(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if strings.HasPrefix(trimmed, "<") {
		window := trimmed
		if len(window) > 100 {
			window = window[:100]
		}
		lower := strings.ToLower(window)
		if strings.Contains(lower, "instructions") || strings.Contains(lower, "environment") {
			return true
		}
	}
	if strings.HasPrefix(trimmed, "#") {
		window := trimmed
		if len(window) > 50 {
			window = window[:50]
		}
		if strings.Contains(window, "AGENTS.md") {
			return true
		}
	}
	return false
}

func walkCodexFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), "rollout-") && strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func readCodexMeta(path string) (codexSessionMetaPayload, bool) {
	f, err := os.Open(path)
	if err != nil {
		return codexSessionMetaPayload{}, false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	if !scanner.Scan() {
		return codexSessionMetaPayload{}, false
	}
	var meta codexMetaEvent
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return codexSessionMetaPayload{}, false
	}
	return meta.Payload, meta.Payload.ID != ""
}

// ListSessions walks the date-partitioned session tree for files whose
// session_meta.cwd matches workingDir.
func (s *CodexStore) ListSessions(workingDir string) ([]Info, error) {
	root, err := s.sessionsRoot()
	if err != nil {
		return nil, err
	}
	files := walkCodexFiles(root)

	var sessions []Info
	for _, path := range files {
		meta, ok := readCodexMeta(path)
		if !ok || meta.CWD != workingDir {
			continue
		}
		title := codexDeriveTitle(path)
		sessions = append(sessions, Info{
			SessionID: meta.ID,
			Provider:  "codex",
			CWD:       workingDir,
			Title:     title,
			UpdatedAt: meta.Timestamp,
		})
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions, nil
}

func codexDeriveTitle(path string) string {
	for _, msg := range codexLoadMessages(path) {
		if msg.Role == "user" {
			return truncateRunes(msg.Content, claudeTitleMaxRunes)
		}
	}
	return ""
}

// findSessionFile globs for files whose name ends with -<sessionID>.jsonl.
func (s *CodexStore) findSessionFile(sessionID string) string {
	root, err := s.sessionsRoot()
	if err != nil {
		return ""
	}
	suffix := "-" + sessionID + ".jsonl"
	for _, path := range walkCodexFiles(root) {
		if strings.HasSuffix(path, suffix) {
			return path
		}
	}
	return ""
}

func codexLoadMessages(path string) []Message {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // skip session_meta line
		}
		var ev codexEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Type != "response_item" {
			continue
		}
		var payload codexResponseItemPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if payload.Type != "message" || (payload.Role != "user" && payload.Role != "assistant") {
			continue
		}

		var sb strings.Builder
		for _, block := range payload.Content {
			if block.Type != "input_text" && block.Type != "output_text" {
				continue
			}
			if isSyntheticCodexBlock(block.Text) {
				continue
			}
			sb.WriteString(block.Text)
		}
		text := sb.String()
		if strings.TrimSpace(text) == "" {
			continue
		}
		messages = append(messages, Message{Role: payload.Role, Content: text})
	}
	return messages
}

// LoadSessionMessages locates the rollout file ending in -<sessionID>.jsonl
// and replays its response_item events into a transcript.
func (s *CodexStore) LoadSessionMessages(sessionID, workingDir string) ([]Message, error) {
	path := s.findSessionFile(sessionID)
	if path == "" {
		return nil, nil
	}
	return codexLoadMessages(path), nil
}
