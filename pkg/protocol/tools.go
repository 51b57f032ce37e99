package protocol

import (
	"fmt"
	"strings"
)

// Common tool names used by coding agents.
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
)

// ToolCategory groups tools by the kind of action they perform.
type ToolCategory string

const (
	CategoryRead    ToolCategory = "read"
	CategoryEdit    ToolCategory = "edit"
	CategoryExecute ToolCategory = "execute"
	CategorySearch  ToolCategory = "search"
	CategoryNetwork ToolCategory = "network"
	CategoryTask    ToolCategory = "task"
	CategoryOther   ToolCategory = "other"
)

// RiskLevel grades how dangerous a tool call is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Less reports whether r is strictly below other. Unknown levels compare low.
func (r RiskLevel) Less(other RiskLevel) bool {
	return riskOrder[r] < riskOrder[other]
}

// ParseRiskLevel returns the risk level for s, defaulting to medium for
// unrecognized input so misconfiguration never silently disables review.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToLower(s)) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(strings.ToLower(s))
	default:
		return RiskMedium
	}
}

// CategorizeTool maps a tool name to its category. MCP tools (mcp__ prefix)
// are categorized as other.
func CategorizeTool(toolName string) ToolCategory {
	switch toolName {
	case ToolRead, ToolGlob:
		return CategoryRead
	case ToolWrite, ToolEdit, ToolNotebookEdit:
		return CategoryEdit
	case ToolBash:
		return CategoryExecute
	case ToolGrep:
		return CategorySearch
	case ToolWebFetch, ToolWebSearch:
		return CategoryNetwork
	case ToolTask:
		return CategoryTask
	default:
		return CategoryOther
	}
}

// Commands that make a Bash invocation high risk.
var highRiskCommands = []string{"rm", "sudo", "chmod", "chown", "kill", "mkfs", "dd"}

// Commands that make a Bash invocation medium risk (package managers).
var mediumRiskCommands = []string{"npm", "pip", "brew", "apt", "yarn", "pnpm", "cargo"}

// AssessRisk grades a tool call. Bash commands mentioning destructive
// binaries are high; package-manager commands are medium; file mutations are
// medium; everything else is low. Matching is plain substring containment,
// which over-flags (a command mentioning "rm" anywhere grades high); the
// review threshold exists to catch dangerous calls, so false positives are
// preferred over misses. Deterministic for identical input.
func AssessRisk(toolName string, input map[string]any) RiskLevel {
	if toolName == ToolBash {
		command, _ := input["command"].(string)
		if containsAny(command, highRiskCommands) {
			return RiskHigh
		}
		if containsAny(command, mediumRiskCommands) {
			return RiskMedium
		}
		return RiskLow
	}
	if toolName == ToolWrite || toolName == ToolEdit {
		return RiskMedium
	}
	return RiskLow
}

func containsAny(command string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(command, n) {
			return true
		}
	}
	return false
}

// DescribeToolCall builds a short human-readable description of a tool call
// from its name and key input.
func DescribeToolCall(toolName string, input map[string]any) string {
	switch toolName {
	case ToolBash:
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			return cmd
		}
	case ToolWrite, ToolEdit, ToolNotebookEdit, ToolRead:
		if path, ok := input["file_path"].(string); ok && path != "" {
			return fmt.Sprintf("%s: %s", toolName, path)
		}
	case ToolGlob, ToolGrep:
		if pattern, ok := input["pattern"].(string); ok && pattern != "" {
			return fmt.Sprintf("%s: %s", toolName, pattern)
		}
	case ToolWebFetch:
		if url, ok := input["url"].(string); ok && url != "" {
			return fmt.Sprintf("%s: %s", toolName, url)
		}
	case ToolWebSearch:
		if query, ok := input["query"].(string); ok && query != "" {
			return fmt.Sprintf("%s: %s", toolName, query)
		}
	case ToolTask:
		if desc, ok := input["description"].(string); ok && desc != "" {
			return fmt.Sprintf("%s: %s", toolName, desc)
		}
	}
	return toolName
}
