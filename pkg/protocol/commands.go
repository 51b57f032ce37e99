package protocol

// CommandType discriminates client commands routed to a session.
type CommandType string

const (
	CommandSendMessage         CommandType = "send_message"
	CommandApproveToolCall     CommandType = "approve_tool_call"
	CommandDenyToolCall        CommandType = "deny_tool_call"
	CommandCancel              CommandType = "cancel"
	CommandPause               CommandType = "pause"
	CommandResume              CommandType = "resume"
	CommandTerminate           CommandType = "terminate"
	CommandAnswerQuestion      CommandType = "answer_question"
	CommandSetPermissionPolicy CommandType = "set_permission_policy"
)

// Command is the tagged union of actions a client can request on a session.
// The Command field is the discriminant; the remaining fields apply per type.
type Command struct {
	Command   CommandType `json:"command"`
	SessionID string      `json:"sessionId"`

	// send_message / answer_question
	Content string `json:"content,omitempty"`

	// approve_tool_call / deny_tool_call
	RequestID string `json:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// answer_question
	QuestionID string `json:"questionId,omitempty"`

	// set_permission_policy
	Policy string `json:"policy,omitempty"`
}
