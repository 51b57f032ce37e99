package claude

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/uplinkd/uplink/pkg/protocol"
	"github.com/uplinkd/uplink/pkg/wire"
)

// logRecord is one line of a session .jsonl log.
type logRecord struct {
	Type      string         `json:"type"`
	UUID      string         `json:"uuid"`
	Cwd       string         `json:"cwd"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Message   *recordMessage `json:"message"`
}

// recordMessage is the API message embedded in user and assistant records.
// Content is either a plain string or an array of content blocks.
type recordMessage struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    json.RawMessage `json:"content"`
	StopReason *string         `json:"stop_reason"`
	Usage      *recordUsage    `json:"usage"`
}

type recordUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// contentBlock is one entry of a message content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// parseContentBlocks normalizes a content field: a bare string becomes a
// single text block, an array decodes as-is. Malformed content yields nil.
func parseContentBlocks(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil
		}
		return []contentBlock{{Type: "text", Text: text}}
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// flattenToolResult renders a tool_result content field as plain text.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// concatText joins the text blocks of a content array.
func concatText(blocks []contentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// translator turns raw log or stream records into normalized events. It is
// owned by a session and not safe for concurrent use; the session serializes
// record dispatch.
type translator struct {
	emit func(protocol.Event)

	// onSessionID receives the definitive session id from a stream init
	// record. Nil in attach mode.
	onSessionID func(string)

	projectPath string
	version     string
	model       string
	envEmitted  bool
	status      protocol.SessionStatus

	// live-mode fragment tracking
	streamMessageID   string
	streamMessageOpen bool
}

func newTranslator(emit func(protocol.Event)) *translator {
	return &translator{emit: emit, status: protocol.StatusIdle}
}

// setStatus transitions the session status, emitting session:status_changed
// on an actual change.
func (t *translator) setStatus(to protocol.SessionStatus) {
	if t.status == to {
		return
	}
	from := t.status
	t.status = to
	t.emit(protocol.Event{
		Type: protocol.EventSessionStatusChanged,
		From: from,
		To:   to,
	})
}

// HandleRecord translates one JSONL log line. Malformed lines and unknown
// record types are ignored.
func (t *translator) HandleRecord(line []byte) {
	var rec logRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return
	}
	switch rec.Type {
	case "user":
		t.handleUserRecord(&rec)
	case "assistant":
		t.handleAssistantRecord(&rec)
	}
}

func (t *translator) handleUserRecord(rec *logRecord) {
	if t.projectPath == "" && rec.Cwd != "" {
		t.projectPath = rec.Cwd
	}
	if t.version == "" && rec.Version != "" {
		t.version = rec.Version
	}
	if rec.Message == nil {
		return
	}
	blocks := parseContentBlocks(rec.Message.Content)

	if text := concatText(blocks); text != "" {
		messageID := rec.UUID
		if messageID == "" {
			messageID = uuid.New().String()
		}
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
		if blk.Type != "tool_result" {
			continue
		}
		t.emitToolResult(blk.ToolUseID, flattenToolResult(blk.Content), blk.IsError)
	}

	t.setStatus(protocol.StatusThinking)
}

func (t *translator) handleAssistantRecord(rec *logRecord) {
	t.setStatus(protocol.StatusRunning)
	if rec.Message == nil {
		return
	}
	t.maybeEmitEnvironment(rec.Message.Model, "")

	blocks := parseContentBlocks(rec.Message.Content)
	messageID := rec.Message.ID
	if messageID == "" {
		messageID = rec.UUID
	}
	if messageID == "" {
		messageID = uuid.New().String()
	}

	t.emitAssistantMessage(messageID, blocks)

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

	if rec.Message.Usage != nil {
		t.emitUsage(rec.Message.Usage)
	}
}

// emitAssistantMessage emits the message:start / message:delta /
// message:complete triple for an assistant turn. The complete event carries
// the text and tool_use blocks in their original order; the delta is emitted
// only when the concatenated text is non-empty.
func (t *translator) emitAssistantMessage(messageID string, blocks []contentBlock) {
	out := messageBlocks(blocks)
	if len(out) == 0 {
		return
	}
	t.emit(protocol.Event{
		Type:      protocol.EventMessageStart,
		MessageID: messageID,
		Role:      "assistant",
	})
	if text := concatText(blocks); text != "" {
		t.emit(protocol.Event{
			Type:      protocol.EventMessageDelta,
			MessageID: messageID,
			Role:      "assistant",
			Content:   text,
		})
	}
	t.emit(protocol.Event{
		Type:      protocol.EventMessageComplete,
		MessageID: messageID,
		Role:      "assistant",
		Content:   out,
	})
}

// messageBlocks projects the text and tool_use entries of a content array,
// preserving order.
func messageBlocks(blocks []contentBlock) []protocol.MessageBlock {
	var out []protocol.MessageBlock
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			out = append(out, protocol.MessageBlock{Type: "text", Text: blk.Text})
		case "tool_use":
			out = append(out, protocol.MessageBlock{
				Type:  "tool_use",
				ID:    blk.ID,
				Name:  blk.Name,
				Input: blk.Input,
			})
		}
	}
	return out
}

func (t *translator) emitThinking(text string, redacted bool) {
	thinkingID := uuid.New().String()
	t.emit(protocol.Event{
		Type:      protocol.EventThinkingStart,
		MessageID: thinkingID,
	})
	if text != "" {
		t.emit(protocol.Event{
			Type:      protocol.EventThinkingDelta,
			MessageID: thinkingID,
			Content:   text,
		})
	}
	t.emit(protocol.Event{
		Type:      protocol.EventThinkingComplete,
		MessageID: thinkingID,
		Redacted:  redacted,
	})
}

func (t *translator) emitToolUse(blk *contentBlock) {
	t.emit(protocol.Event{
		Type:        protocol.EventToolStart,
		ToolCallID:  blk.ID,
		ToolName:    blk.Name,
		ToolInput:   blk.Input,
		Category:    protocol.CategorizeTool(blk.Name),
		Description: protocol.DescribeToolCall(blk.Name, blk.Input),
	})
	t.emit(protocol.Event{
		Type:             protocol.EventToolExecuting,
		ToolCallID:       blk.ID,
		RiskLevel:        protocol.AssessRisk(blk.Name, blk.Input),
		RequiresApproval: protocol.Bool(false),
	})
}

func (t *translator) emitToolResult(toolCallID, output string, isError bool) {
	if isError {
		// Tool failures are recoverable: the session keeps running.
		t.emit(protocol.Event{
			Type:        protocol.EventToolError,
			ToolCallID:  toolCallID,
			Code:        wire.ErrorToolError,
			Error:       output,
			Recoverable: protocol.Bool(true),
			Duration:    protocol.Int64(0),
		})
		return
	}
	t.emit(protocol.Event{
		Type:       protocol.EventToolResult,
		ToolCallID: toolCallID,
		Output:     output,
		Duration:   protocol.Int64(0),
	})
}

func (t *translator) emitUsage(u *recordUsage) {
	t.emit(protocol.Event{
		Type: protocol.EventResourceTokenUsage,
		Usage: &protocol.TokenUsage{
			InputTokens:              u.InputTokens,
			OutputTokens:             u.OutputTokens,
			CacheCreationInputTokens: u.CacheCreationInputTokens,
			CacheReadInputTokens:     u.CacheReadInputTokens,
		},
	})
}

// maybeEmitEnvironment emits a single environment:info on first sight of the
// model name.
func (t *translator) maybeEmitEnvironment(model, version string) {
	if t.envEmitted || model == "" {
		return
	}
	t.envEmitted = true
	t.model = model
	if version != "" {
		t.version = version
	}
	t.emit(protocol.Event{
		Type: protocol.EventEnvironmentInfo,
		Environment: &protocol.EnvironmentInfo{
			Cwd:     t.projectPath,
			Model:   model,
			Version: t.version,
		},
	})
}
