package claude

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/adapter"
	"github.com/uplinkd/uplink/pkg/protocol"
)

// WatchSessions observes the projects root for session log changes and
// invokes cb with catalogue events until the returned cancel function is
// called. Cancel is idempotent. Only .jsonl paths produce events; watching
// goes at most two levels deep (project dirs and their files).
func (a *Adapter) WatchSessions(cb adapter.DiscoveryHandler) (func(), error) {
	projectsDir := filepath.Join(a.home, "projects")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(projectsDir); err != nil {
		watcher.Close()
		return nil, err
	}
	// Existing project dirs are one level down; new ones are added as
	// their create events arrive.
	if entries, err := os.ReadDir(projectsDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := watcher.Add(filepath.Join(projectsDir, e.Name())); err != nil {
					a.logger.Debug("failed to watch project dir",
						zap.String("dir", e.Name()), zap.Error(err))
				}
			}
		}
	}

	done := make(chan struct{})
	go a.watchLoop(watcher, projectsDir, cb, done)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			watcher.Close()
		})
	}
	return cancel, nil
}

func (a *Adapter) watchLoop(watcher *fsnotify.Watcher, projectsDir string, cb adapter.DiscoveryHandler, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			a.handleWatchEvent(watcher, projectsDir, cb, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("session watcher error", zap.Error(err))
		}
	}
}

func (a *Adapter) handleWatchEvent(watcher *fsnotify.Watcher, projectsDir string, cb adapter.DiscoveryHandler, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// Only descend one level below the projects root.
			if filepath.Dir(event.Name) == projectsDir {
				if err := watcher.Add(event.Name); err != nil {
					a.logger.Debug("failed to watch new project dir",
						zap.String("dir", event.Name), zap.Error(err))
				}
			}
			return
		}
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}

	var kind adapter.DiscoveryEventKind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = adapter.DiscoverySessionCreated
	case event.Op&fsnotify.Write != 0:
		kind = adapter.DiscoverySessionUpdated
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = adapter.DiscoverySessionRemoved
	default:
		return
	}

	session := protocol.Session{
		ID:      sessionIDFromPath(event.Name),
		AgentID: AgentID,
		Status:  protocol.StatusIdle,
	}
	if kind != adapter.DiscoverySessionRemoved {
		decodedPath, _ := decodeProjectDir(filepath.Base(filepath.Dir(event.Name)))
		if meta, err := a.readSessionMeta(event.Name, decodedPath); err == nil {
			session = meta
		}
	}
	cb(adapter.DiscoveryEvent{Kind: kind, Session: session})
}
