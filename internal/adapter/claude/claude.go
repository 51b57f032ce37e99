// Package claude integrates the Claude Code CLI with the daemon. Sessions
// are discovered from the CLI's on-disk JSONL logs and can be attached
// read-only or driven through a spawned CLI process.
package claude

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/adapter"
	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/pkg/protocol"
)

const defaultBinary = "claude"

// Options configures the adapter.
type Options struct {
	// Home overrides the agent data directory (default: CLAUDE_CONFIG_DIR
	// or ~/.claude).
	Home string
	// Binary overrides the CLI binary path.
	Binary string
}

// Adapter implements the agent contract for Claude Code.
type Adapter struct {
	home   string
	binary string
	logger *logger.Logger
	seq    *protocol.Sequencer
}

// New builds the adapter.
func New(opts Options, log *logger.Logger, seq *protocol.Sequencer) *Adapter {
	binary := opts.Binary
	if binary == "" {
		binary = defaultBinary
	}
	return &Adapter{
		home:   resolveHome(opts.Home),
		binary: binary,
		logger: log.WithAgentID(AgentID),
		seq:    seq,
	}
}

// ID returns the stable agent identifier.
func (a *Adapter) ID() string {
	return AgentID
}

// Capabilities advertises what the adapter supports.
func (a *Adapter) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		ProtocolVersion: protocol.ProtocolVersion,
		AgentName:       AgentID,
		DisplayName:     "Claude Code",
		Integration:     protocol.IntegrationFileWatch,
		Features: protocol.Features{
			Discovery:  true,
			Attach:     true,
			Start:      true,
			Resume:     true,
			Approvals:  true,
			History:    true,
			Thinking:   true,
			TokenUsage: true,
		},
	}
}

// IsInstalled shells out to the CLI; any non-zero exit means not installed.
func (a *Adapter) IsInstalled(ctx context.Context) bool {
	return exec.CommandContext(ctx, a.binary, "--version").Run() == nil
}

// Version reports the CLI version string, or "" when unavailable.
func (a *Adapter) Version(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, a.binary, "--version").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// DataPaths returns the agent's local data locations.
func (a *Adapter) DataPaths() adapter.DataPaths {
	return adapter.DataPaths{
		Root:     a.home,
		Projects: filepath.Join(a.home, "projects"),
	}
}

// AttachToSession opens a read-only session over an existing log file.
func (a *Adapter) AttachToSession(ctx context.Context, sessionID string) (adapter.Session, error) {
	path, err := a.findSessionFile(sessionID)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("attaching to session",
		zap.String("session_id", sessionID), zap.String("path", path))
	return newAttachedSession(a, sessionID, path)
}

// StartSession launches a new CLI process with the given prompt.
func (a *Adapter) StartSession(ctx context.Context, opts adapter.StartOptions) (adapter.Session, error) {
	a.logger.Info("starting session",
		zap.String("project_path", opts.ProjectPath))
	return newLiveSession(a, opts)
}

// findSessionFile locates the log for a session id across all project dirs.
func (a *Adapter) findSessionFile(sessionID string) (string, error) {
	if strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", adapter.ErrSessionNotFound
	}
	matches, err := filepath.Glob(filepath.Join(a.home, "projects", "*", sessionID+".jsonl"))
	if err != nil || len(matches) == 0 {
		return "", adapter.ErrSessionNotFound
	}
	return matches[0], nil
}
