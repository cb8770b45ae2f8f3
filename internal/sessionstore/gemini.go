package sessionstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// GeminiStore reads the first ACP agent's own session history:
//
//	~/.gemini/tmp/<sha256(cwd)>/chats/session-*.json
//
// Grounded on sessions/_gemini.py.
type GeminiStore struct {
	home string
}

func NewGeminiStore() *GeminiStore { return &GeminiStore{} }

func NewGeminiStoreAt(home string) *GeminiStore { return &GeminiStore{home: home} }

func (s *GeminiStore) geminiHome() (string, error) {
	if s.home != "" {
		return filepath.Join(s.home, ".gemini", "tmp"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gemini", "tmp"), nil
}

func geminiProjectHash(workingDir string) string {
	sum := sha256.Sum256([]byte(workingDir))
	return hex.EncodeToString(sum[:])
}

type geminiMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type geminiSessionFile struct {
	SessionID   string          `json:"sessionId"`
	LastUpdated string          `json:"lastUpdated"`
	StartTime   string          `json:"startTime"`
	Messages    []geminiMessage `json:"messages"`
}

func parseGeminiSessionFile(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc geminiSessionFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.SessionID == "" {
		return nil, nil
	}

	title := ""
	for _, msg := range doc.Messages {
		if msg.Type != "user" {
			continue
		}
		trimmed := strings.TrimSpace(msg.Content)
		if trimmed == "" {
			continue
		}
		title = truncateRunes(trimmed, claudeTitleMaxRunes)
		break
	}

	updatedAt := doc.LastUpdated
	if updatedAt == "" {
		updatedAt = doc.StartTime
	}

	return &Info{
		SessionID: doc.SessionID,
		Provider:  "gemini",
		Title:     title,
		UpdatedAt: updatedAt,
	}, nil
}

// ListSessions globs <geminiHome>/<hash>/chats/session-*.json.
func (s *GeminiStore) ListSessions(workingDir string) ([]Info, error) {
	home, err := s.geminiHome()
	if err != nil {
		return nil, err
	}
	chatsDir := filepath.Join(home, geminiProjectHash(workingDir), "chats")
	matches, err := filepath.Glob(filepath.Join(chatsDir, "session-*.json"))
	if err != nil {
		return nil, err
	}

	var sessions []Info
	for _, path := range matches {
		info, err := parseGeminiSessionFile(path)
		if err != nil || info == nil {
			continue
		}
		info.CWD = workingDir
		sessions = append(sessions, *info)
	}

	// Newest first by UpdatedAt; sessions with no timestamp sort last.
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i].UpdatedAt, sessions[j].UpdatedAt
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a > b
	})
	return sessions, nil
}

func geminiShortID(sessionID string) string {
	if idx := strings.Index(sessionID, "-"); idx >= 0 {
		return sessionID[:idx]
	}
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}

// findSessionFile locates a session file by its sessionId field: a fast
// glob on the short-id suffix embedded in Gemini's timestamp-based
// filenames, falling back to a full directory scan.
func (s *GeminiStore) findSessionFile(sessionID, workingDir string) (string, error) {
	home, err := s.geminiHome()
	if err != nil {
		return "", err
	}
	chatsDir := filepath.Join(home, geminiProjectHash(workingDir), "chats")
	shortID := geminiShortID(sessionID)

	fast, _ := filepath.Glob(filepath.Join(chatsDir, "session-*"+shortID+".json"))
	for _, path := range fast {
		if sessionFileMatches(path, sessionID) {
			return path, nil
		}
	}

	all, _ := filepath.Glob(filepath.Join(chatsDir, "session-*.json"))
	for _, path := range all {
		if sessionFileMatches(path, sessionID) {
			return path, nil
		}
	}
	return "", nil
}

func sessionFileMatches(path, sessionID string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var doc geminiSessionFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	return doc.SessionID == sessionID
}

// LoadSessionMessages finds the session file by sessionId and maps
// type=="user"->role user, type=="gemini"->role assistant, skipping
// everything else (notably type=="error").
func (s *GeminiStore) LoadSessionMessages(sessionID, workingDir string) ([]Message, error) {
	path, err := s.findSessionFile(sessionID, workingDir)
	if err != nil || path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}
	var doc geminiSessionFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil
	}

	var messages []Message
	for _, msg := range doc.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Type {
		case "user":
			messages = append(messages, Message{Role: "user", Content: msg.Content})
		case "gemini":
			messages = append(messages, Message{Role: "assistant", Content: msg.Content})
		}
	}
	return messages, nil
}
