package claude

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/uplinkd/uplink/pkg/protocol"
)

// streamRecord is one line of the CLI's streaming-JSON stdout. Tool records
// appear at the top level here, unlike in the on-disk log.
type streamRecord struct {
	Type          string         `json:"type"`
	Subtype       string         `json:"subtype"`
	SessionID     string         `json:"session_id"`
	ClaudeVersion string         `json:"claude_version"`
	Model         string         `json:"model"`
	Cwd           string         `json:"cwd"`
	Message       *recordMessage `json:"message"`

	// top-level tool records
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// HandleStreamRecord translates one stdout line from a live CLI process.
// Malformed lines and unknown record types are ignored.
func (t *translator) HandleStreamRecord(line []byte) {
	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return
	}
	switch rec.Type {
	case "system":
		if rec.Subtype == "init" {
			t.handleStreamInit(&rec)
		}
	case "user":
		t.handleStreamUser(&rec)
	case "assistant":
		t.handleStreamAssistant(&rec)
	case "tool_use":
		t.emitToolUse(&contentBlock{
			ID:    rec.ID,
			Name:  rec.Name,
			Input: rec.Input,
		})
	case "tool_result":
		t.emitToolResult(rec.ToolUseID, flattenToolResult(rec.Content), rec.IsError)
	}
}

// handleStreamInit records the definitive session id and runtime details the
// CLI reports at startup.
func (t *translator) handleStreamInit(rec *streamRecord) {
	if rec.Cwd != "" {
		t.projectPath = rec.Cwd
	}
	if rec.SessionID != "" && t.onSessionID != nil {
		t.onSessionID(rec.SessionID)
	}
	t.maybeEmitEnvironment(rec.Model, rec.ClaudeVersion)
	t.setStatus(protocol.StatusRunning)
}

func (t *translator) handleStreamUser(rec *streamRecord) {
	if rec.Message == nil {
		return
	}
	blocks := parseContentBlocks(rec.Message.Content)
	if text := concatText(blocks); text != "" {
		messageID := uuid.New().String()
		t.emit(protocol.Event{
			Type:      protocol.EventMessageStart,
			MessageID: messageID,
			Role:      "user",
		})
		t.emit(protocol.Event{
			Type:      protocol.EventMessageComplete,
			MessageID: messageID,
			Role:      "user",
			Content:   []protocol.MessageBlock{{Type: "text", Text: text}},
		})
	}
	for _, blk := range blocks {
		if blk.Type == "tool_result" {
			t.emitToolResult(blk.ToolUseID, flattenToolResult(blk.Content), blk.IsError)
		}
	}
	t.setStatus(protocol.StatusThinking)
}

// handleStreamAssistant handles assistant records from stdout. A null
// stop_reason marks a streaming fragment: the message stays open and no
// message:complete is emitted until a record with a stop reason arrives.
func (t *translator) handleStreamAssistant(rec *streamRecord) {
	t.setStatus(protocol.StatusRunning)
	if rec.Message == nil {
		return
	}
	t.maybeEmitEnvironment(rec.Message.Model, "")

	blocks := parseContentBlocks(rec.Message.Content)
	fragment := rec.Message.StopReason == nil

	if !t.streamMessageOpen {
		t.streamMessageID = rec.Message.ID
		if t.streamMessageID == "" {
			t.streamMessageID = uuid.New().String()
		}
		if len(blocks) > 0 {
			t.emit(protocol.Event{
				Type:      protocol.EventMessageStart,
				MessageID: t.streamMessageID,
				Role:      "assistant",
			})
			t.streamMessageOpen = true
		}
	}

	if text := concatText(blocks); text != "" {
		t.emit(protocol.Event{
			Type:      protocol.EventMessageDelta,
			MessageID: t.streamMessageID,
			Role:      "assistant",
			Content:   text,
		})
	}

	for _, blk := range blocks {
		switch blk.Type {
		case "thinking":
			t.emitThinking(blk.Thinking, false)
		case "redacted_thinking":
			t.emitThinking("", true)
		case "tool_use":
			t.emitToolUse(&blk)
		}
	}

	if !fragment && t.streamMessageOpen {
		t.emit(protocol.Event{
			Type:      protocol.EventMessageComplete,
			MessageID: t.streamMessageID,
			Role:      "assistant",
			Content:   messageBlocks(blocks),
		})
		t.streamMessageOpen = false
	}

	if rec.Message.Usage != nil {
		t.emitUsage(rec.Message.Usage)
	}
}
