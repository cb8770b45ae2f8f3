package bridge

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
)

func newTestStreamJSONBridge(t *testing.T, cfg StreamJSONConfig) *StreamJSONBridge {
	t.Helper()
	sb, err := sandbox.New("test")
	require.NoError(t, err)
	t.Cleanup(sb.Cleanup)
	cfg.Config.WorkingDir = t.TempDir()
	return NewStreamJSONBridge(cfg, sb)
}

func TestBuildPersistentArgsIncludesJSONSchemaFlag(t *testing.T) {
	s := newTestStreamJSONBridge(t, StreamJSONConfig{JSONSchema: map[string]any{"type": "object"}})
	args, err := s.buildPersistentArgs("")
	require.NoError(t, err)

	idx := -1
	for i, a := range args {
		if a == "--json-schema" {
			idx = i
			break
		}
	}
	require.NotEqual(t, -1, idx, "expected --json-schema flag in %v", args)
	require.Less(t, idx+1, len(args))
	schemaPath := args[idx+1]
	data, err := os.ReadFile(schemaPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type"`)
}

func TestBuildPersistentArgsOmitsJSONSchemaFlagWhenUnset(t *testing.T) {
	s := newTestStreamJSONBridge(t, StreamJSONConfig{})
	args, err := s.buildPersistentArgs("")
	require.NoError(t, err)
	assert.NotContains(t, args, "--json-schema")
}

func TestBuildUserFrameEncodesImageAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, []byte("fake-png-bytes"), 0644))

	msg := Message{
		Content:     "hello",
		Attachments: []Attachment{{Path: path, MimeType: "image/png"}},
	}
	frame := buildUserFrame(msg, "sess-1")

	assert.Equal(t, "user", frame.Type)
	assert.Equal(t, "sess-1", frame.SessionID)
	require.Len(t, frame.Message.Content, 2)
	assert.Equal(t, "hello", frame.Message.Content[0].Text)

	block := frame.Message.Content[1]
	assert.Equal(t, "image", block.Type)
	require.NotNil(t, block.Source)
	assert.Equal(t, "base64", block.Source.Type)
	assert.Equal(t, "image/png", block.Source.MediaType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("fake-png-bytes")), block.Source.Data)
}

func TestBuildUserFrameEncodesPDFAttachmentWithTitle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-fake"), 0644))

	msg := Message{
		Content:     "see attached",
		Attachments: []Attachment{{Path: path, MimeType: "application/pdf", Filename: "report.pdf"}},
	}
	frame := buildUserFrame(msg, "")

	require.Len(t, frame.Message.Content, 2)
	block := frame.Message.Content[1]
	assert.Equal(t, "document", block.Type)
	assert.Equal(t, "report.pdf", block.Title)
	require.NotNil(t, block.Source)
	assert.Equal(t, "application/pdf", block.Source.MediaType)
}

func TestBuildUserFrameOmitsUnsupportedMimeType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("bytes"), 0644))

	msg := Message{
		Content:     "hello",
		Attachments: []Attachment{{Path: path, MimeType: "application/octet-stream"}},
	}
	frame := buildUserFrame(msg, "")

	assert.Len(t, frame.Message.Content, 1)
}

func TestBuildUserFrameOmitsUnreadableAttachment(t *testing.T) {
	msg := Message{
		Content:     "hello",
		Attachments: []Attachment{{Path: "/nonexistent/a.png", MimeType: "image/png"}},
	}
	frame := buildUserFrame(msg, "")

	assert.Len(t, frame.Message.Content, 1)
}

func TestParseToolCallsTopLevelFrame(t *testing.T) {
	frame := map[string]any{
		"type":      "tool_use",
		"tool_name": "grep",
		"tool_id":   "tc-1",
		"parameters": map[string]any{"pattern": "foo"},
	}
	calls := parseToolCalls(frame)
	if assert.Len(t, calls, 1) {
		assert.Equal(t, "grep", calls[0].ToolName)
		assert.Equal(t, "tc-1", calls[0].ToolID)
		assert.Equal(t, "foo", calls[0].Parameters["pattern"])
	}
}

func TestParseToolCallsAliasedKeys(t *testing.T) {
	frame := map[string]any{
		"type":  "tool_use",
		"name":  "write_file",
		"id":    "tc-2",
		"input": map[string]any{"path": "x.go"},
	}
	calls := parseToolCalls(frame)
	if assert.Len(t, calls, 1) {
		assert.Equal(t, "write_file", calls[0].ToolName)
		assert.Equal(t, "tc-2", calls[0].ToolID)
	}
}

func TestParseToolCallsIgnoresNonToolFrames(t *testing.T) {
	frame := map[string]any{"type": "result"}
	assert.Nil(t, parseToolCalls(frame))
}

func TestExtractAssistantTextConcatenatesTextBlocks(t *testing.T) {
	frame := map[string]any{
		"message": map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "text", "text": "Hello "},
				map[string]any{"type": "text", "text": "world"},
				map[string]any{"type": "tool_use"},
			},
		},
	}
	assert.Equal(t, "Hello world", extractAssistantText(frame))
}

func TestExtractAssistantTextIgnoresNonAssistant(t *testing.T) {
	frame := map[string]any{"message": map[string]any{"role": "user", "content": []any{}}}
	assert.Equal(t, "", extractAssistantText(frame))
}

func TestExtractDeltaHandlesBothKeyShapes(t *testing.T) {
	f1 := map[string]any{"type": "stream_event", "event": map[string]any{"delta": map[string]any{"text_delta": "a"}}}
	assert.Equal(t, "a", extractDelta(f1))

	f2 := map[string]any{"type": "stream_event", "event": map[string]any{"delta": map[string]any{"text": "b"}}}
	assert.Equal(t, "b", extractDelta(f2))

	f3 := map[string]any{"type": "other"}
	assert.Equal(t, "", extractDelta(f3))
}
