package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/adapter"
	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/pkg/protocol"
	"github.com/uplinkd/uplink/pkg/wire"
)

const (
	// maxHistory bounds the in-memory event buffer; when full, the most
	// recent half is retained. The on-disk log remains the source of truth.
	maxHistory = 5000

	// maxLineBytes accommodates large single-line JSON records.
	maxLineBytes = 10 * 1024 * 1024
)

// Session is one open Claude Code session. It ingests either the on-disk
// .jsonl log (attach mode) or a live CLI process's stdout (live mode) and
// emits normalized events to its subscribers; both modes produce the same
// event stream shape.
type Session struct {
	agent  *Adapter
	logger *logger.Logger
	seq    *protocol.Sequencer

	mu                 sync.Mutex
	id                 string
	filePath           string
	handlers           map[int]adapter.EventHandler
	nextHandlerID      int
	history            []protocol.Event
	lastReadPosition   int
	suppressFileEvents bool
	running            bool
	detached           bool
	proc               *exec.Cmd

	// readMu serializes record dispatch so events reach subscribers in
	// seq order.
	readMu sync.Mutex
	tr     *translator

	firstRead     chan struct{}
	firstReadOnce sync.Once

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

func newSession(a *Adapter, id string) *Session {
	s := &Session{
		agent:     a,
		logger:    a.logger.WithSessionID(id),
		seq:       a.seq,
		id:        id,
		handlers:  make(map[int]adapter.EventHandler),
		firstRead: make(chan struct{}),
	}
	s.tr = newTranslator(s.emit)
	return s
}

// newAttachedSession opens a read-only session over an existing log file and
// begins the initial read in the background.
func newAttachedSession(a *Adapter, id, filePath string) (*Session, error) {
	s := newSession(a, id)
	s.filePath = filePath

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(filePath)); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	s.watchDone = make(chan struct{})

	go s.fileLoop(watcher.Events, watcher.Errors)
	go func() {
		s.readFile()
		s.markFirstRead()
	}()
	return s, nil
}

// newLiveSession spawns the CLI for a fresh prompt. The session id is
// provisional until the init record reports the definitive one.
func newLiveSession(a *Adapter, opts adapter.StartOptions) (*Session, error) {
	s := newSession(a, uuid.New().String())
	s.tr.onSessionID = s.setID
	s.markFirstRead() // live sessions have no initial disk read

	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if err := s.spawn(args, opts.ProjectPath, opts.Env); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Capabilities reports what this session supports.
func (s *Session) Capabilities() protocol.Capabilities {
	return s.agent.Capabilities()
}

// OnEvent registers a subscriber; every subsequent event is delivered in seq
// order. The returned unsubscribe is idempotent.
func (s *Session) OnEvent(handler adapter.EventHandler) func() {
	s.mu.Lock()
	id := s.nextHandlerID
	s.nextHandlerID++
	s.handlers[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// emit stamps and buffers the event, then fans it out. Dispatch is already
// serialized by readMu (or the process reader goroutine), so subscribers see
// events in seq order.
func (s *Session) emit(partial protocol.Event) {
	ev := s.seq.NewEvent(s.ID(), partial)

	s.mu.Lock()
	s.history = append(s.history, ev)
	if len(s.history) >= maxHistory {
		keep := maxHistory / 2
		s.history = append([]protocol.Event(nil), s.history[len(s.history)-keep:]...)
	}
	handlers := make([]adapter.EventHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// GetHistory returns a snapshot copy of buffered events, waiting first for
// the initial read from disk to finish.
func (s *Session) GetHistory(ctx context.Context) ([]protocol.Event, error) {
	select {
	case <-s.firstRead:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Event, len(s.history))
	copy(out, s.history)
	return out, nil
}

// Execute runs a client command against the session.
func (s *Session) Execute(ctx context.Context, cmd protocol.Command) error {
	switch cmd.Command {
	case protocol.CommandSendMessage:
		return s.sendMessage(cmd.Content)
	case protocol.CommandResume:
		// Resuming happens implicitly when the next message spawns the CLI
		// with --resume; a bare resume has nothing to do.
		return nil
	case protocol.CommandCancel:
		return s.signalProcess(os.Interrupt)
	case protocol.CommandTerminate:
		return s.signalProcess(os.Kill)
	default:
		return fmt.Errorf("command %q is not supported by the %s adapter", cmd.Command, AgentID)
	}
}

// Refresh forces a re-read of the backing log file.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	path := s.filePath
	s.mu.Unlock()
	if path == "" {
		return nil
	}
	s.readFile()
	return nil
}

// Detach releases watchers and subscribers. A live agent process is left
// running.
func (s *Session) Detach() error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil
	}
	s.detached = true
	s.handlers = make(map[int]adapter.EventHandler)
	watcher := s.watcher
	watchDone := s.watchDone
	s.watcher = nil
	s.mu.Unlock()

	if watchDone != nil {
		close(watchDone)
	}
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func (s *Session) markFirstRead() {
	s.firstReadOnce.Do(func() { close(s.firstRead) })
}

// fileLoop reacts to changes of the backing log file. Events are dropped
// while a resumed process delivers the same content over stdout.
func (s *Session) fileLoop(watchEvents chan fsnotify.Event, watchErrors chan error) {
	// The channels are captured at spawn time: Detach nils s.watcher, but
	// the closed channels still drain safely.
	for {
		select {
		case <-s.watchDone:
			return
		case event, ok := <-watchEvents:
			if !ok {
				return
			}
			if event.Name != s.filePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.mu.Lock()
			suppressed := s.suppressFileEvents
			s.mu.Unlock()
			if suppressed {
				continue
			}
			s.readFile()
		case err, ok := <-watchErrors:
			if !ok {
				return
			}
			s.logger.Warn("session file watcher error", zap.Error(err))
		}
	}
}

// readFile reads the whole log and dispatches records past lastReadPosition.
// The position counts newline-delimited records; a trailing empty split
// element does not advance it.
func (s *Session) readFile() {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("failed to read session log", zap.Error(err))
		}
		return
	}
	records := splitRecords(data)

	s.mu.Lock()
	start := s.lastReadPosition
	if start > len(records) {
		// Truncated or rewritten log; start over rather than miss records.
		start = 0
	}
	s.mu.Unlock()

	for _, line := range records[start:] {
		s.tr.HandleRecord(line)
	}

	s.mu.Lock()
	s.lastReadPosition = len(records)
	s.mu.Unlock()
}

// splitRecords splits the log into newline-delimited records, dropping the
// trailing empty element a final newline produces.
func splitRecords(data []byte) [][]byte {
	records := bytes.Split(data, []byte("\n"))
	for len(records) > 0 && len(records[len(records)-1]) == 0 {
		records = records[:len(records)-1]
	}
	return records
}

// sendMessage resumes the session with a new prompt. A synthetic user
// message is emitted immediately so subscribers see the prompt without
// waiting for the CLI to echo it. An empty prompt is a no-op.
func (s *Session) sendMessage(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return adapter.ErrSessionBusy
	}
	s.suppressFileEvents = true
	s.mu.Unlock()

	messageID := uuid.New().String()
	s.emit(protocol.Event{
		Type:      protocol.EventMessageStart,
		MessageID: messageID,
		Role:      "user",
	})
	s.emit(protocol.Event{
		Type:      protocol.EventMessageComplete,
		MessageID: messageID,
		Role:      "user",
		Content:   []protocol.MessageBlock{{Type: "text", Text: text}},
	})

	args := []string{"--resume", s.ID(), "-p", text, "--output-format", "stream-json", "--verbose"}
	if err := s.spawn(args, s.projectDir(), nil); err != nil {
		s.mu.Lock()
		s.suppressFileEvents = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) projectDir() string {
	s.readMu.Lock()
	dir := s.tr.projectPath
	s.readMu.Unlock()
	return dir
}

// spawn starts the CLI and wires its pipes. A failed start emits
// session:error {code: SPAWN_ERROR}.
func (s *Session) spawn(args []string, dir string, extraEnv []string) error {
	// Not CommandContext: shutdown must not kill a user's agent run.
	cmd := exec.Command(s.agent.binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), extraEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		s.readMu.Lock()
		s.emit(protocol.Event{
			Type:  protocol.EventSessionError,
			Code:  wire.ErrorSpawnError,
			Error: err.Error(),
		})
		s.tr.setStatus(protocol.StatusError)
		s.readMu.Unlock()
		return fmt.Errorf("failed to start %s: %w", s.agent.binary, err)
	}

	s.mu.Lock()
	s.proc = cmd
	s.running = true
	s.mu.Unlock()
	s.readMu.Lock()
	s.tr.setStatus(protocol.StatusStarting)
	s.readMu.Unlock()

	go s.logStderr(stderr)
	go s.runProcess(cmd, stdout)
	return nil
}

// runProcess reads streaming JSON from stdout until the process exits, then
// emits the terminal event and re-syncs the file read position.
func (s *Session) runProcess(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.readMu.Lock()
		s.tr.HandleStreamRecord(line)
		s.readMu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("stdout read error", zap.Error(err))
	}

	err := cmd.Wait()

	s.readMu.Lock()
	if err == nil {
		s.tr.setStatus(protocol.StatusCompleted)
		s.emit(protocol.Event{
			Type:    protocol.EventSessionCompleted,
			Summary: &protocol.CompletionSummary{},
		})
	} else {
		s.logger.Warn("agent process exited", zap.Error(err))
		s.tr.setStatus(protocol.StatusError)
		s.emit(protocol.Event{
			Type:  protocol.EventSessionError,
			Code:  wire.ErrorProcessError,
			Error: err.Error(),
		})
	}
	s.readMu.Unlock()

	// The process appended to the log while file events were suppressed;
	// skip those records so the next file change resumes from the tail.
	s.resyncReadPosition()

	s.mu.Lock()
	s.running = false
	s.proc = nil
	s.suppressFileEvents = false
	s.mu.Unlock()
}

func (s *Session) resyncReadPosition() {
	s.mu.Lock()
	path := s.filePath
	s.mu.Unlock()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	n := len(splitRecords(data))
	s.mu.Lock()
	s.lastReadPosition = n
	s.mu.Unlock()
}

func (s *Session) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.logger.Warn("agent stderr", zap.String("line", line))
		}
	}
}

func (s *Session) signalProcess(sig os.Signal) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil || proc.Process == nil {
		return adapter.ErrNotRunning
	}
	return proc.Process.Signal(sig)
}
