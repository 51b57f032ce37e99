package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uplinkd/uplink/pkg/protocol"
)

const (
	// line windows scanned when deriving session metadata
	headLineLimit = 50
	tailLineLimit = 30

	sessionNameMax = 100
	lastMessageMax = 200
)

// DiscoverSessions enumerates session logs under the projects root, most
// recently modified first. Unreadable candidates are skipped silently;
// discovery never mutates agent state.
func (a *Adapter) DiscoverSessions(ctx context.Context) ([]protocol.Session, error) {
	projectsDir := filepath.Join(a.home, "projects")
	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type candidate struct {
		session protocol.Session
		mtime   time.Time
	}
	var found []candidate

	for _, dir := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !dir.IsDir() {
			continue
		}
		decodedPath, ok := decodeProjectDir(dir.Name())
		if !ok {
			a.logger.Debug("skipping unsafe project dir", zap.String("dir", dir.Name()))
			continue
		}
		projectDir := filepath.Join(projectsDir, dir.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(projectDir, f.Name())
			info, err := f.Info()
			if err != nil {
				continue
			}
			session, err := a.readSessionMeta(path, decodedPath)
			if err != nil {
				continue
			}
			found = append(found, candidate{session: session, mtime: info.ModTime()})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].mtime.After(found[j].mtime)
	})
	sessions := make([]protocol.Session, len(found))
	for i, c := range found {
		sessions[i] = c.session
	}
	return sessions, nil
}

// readSessionMeta derives a session descriptor from its log file: project
// path from the first record, name from the first real user text in the head
// window, last message from the newest assistant text in the tail window.
func (a *Adapter) readSessionMeta(path, decodedPath string) (protocol.Session, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.Session{}, err
	}

	session := protocol.Session{
		ID:           sessionIDFromPath(path),
		AgentID:      AgentID,
		Status:       protocol.StatusIdle,
		LastActivity: protocol.Timestamp(info.ModTime()),
	}

	head, err := readHeadLines(path, headLineLimit)
	if err != nil {
		return protocol.Session{}, err
	}
	for i, line := range head {
		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if i == 0 && rec.Cwd != "" {
			session.ProjectPath = rec.Cwd
		}
		if session.CreatedAt == "" && rec.Timestamp != "" {
			session.CreatedAt = rec.Timestamp
		}
		if session.Model == "" && rec.Message != nil && rec.Message.Model != "" {
			session.Model = rec.Message.Model
		}
		if session.Name == "" && rec.Type == "user" && rec.Message != nil {
			text := stripSystemTags(concatText(parseContentBlocks(rec.Message.Content)))
			if text != "" {
				session.Name = truncate(text, sessionNameMax)
			}
		}
	}
	if session.ProjectPath == "" {
		if _, err := os.Stat(decodedPath); err == nil {
			session.ProjectPath = decodedPath
		}
	}

	tail, err := readTailLines(path, tailLineLimit)
	if err == nil {
		for i := len(tail) - 1; i >= 0; i-- {
			var rec logRecord
			if err := json.Unmarshal(tail[i], &rec); err != nil {
				continue
			}
			if rec.Type != "assistant" || rec.Message == nil {
				continue
			}
			if text := concatText(parseContentBlocks(rec.Message.Content)); text != "" {
				session.LastMessage = truncate(text, lastMessageMax)
				break
			}
		}
	}

	return session, nil
}

// readHeadLines returns up to limit non-empty lines from the start of path.
func readHeadLines(path string, limit int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var lines [][]byte
	for scanner.Scan() && len(lines) < limit {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, scanner.Err()
}

// readTailLines returns up to limit non-empty lines from the end of path.
func readTailLines(path string, limit int) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	split := strings.Split(string(data), "\n")
	var lines [][]byte
	for _, line := range split {
		if line == "" {
			continue
		}
		lines = append(lines, []byte(line))
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
