package claude

import (
	"os"
	"path/filepath"
	"strings"
)

// AgentID is the stable identifier for the Claude Code adapter.
const AgentID = "claude"

// resolveHome picks the agent's data directory: an explicit override wins,
// then CLAUDE_CONFIG_DIR, then ~/.claude.
func resolveHome(override string) string {
	if override != "" {
		return override
	}
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// encodeProjectPath converts an absolute project directory into the encoded
// directory name used under <home>/projects: every path separator becomes a
// dash, so /a/b/c is stored as -a-b-c.
func encodeProjectPath(abs string) string {
	return strings.ReplaceAll(abs, string(os.PathSeparator), "-")
}

// decodeProjectDir reverses encodeProjectPath. Returns false for names that
// decode to traversal sequences or a double-slash prefix.
func decodeProjectDir(name string) (string, bool) {
	decoded := strings.ReplaceAll(name, "-", "/")
	if strings.Contains(decoded, "..") || strings.HasPrefix(decoded, "//") {
		return "", false
	}
	return decoded, true
}

// sessionIDFromPath derives the session id from a .jsonl path.
func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
