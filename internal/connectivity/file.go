package connectivity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileOracle follows a status file written by the host environment (a
// network manager hook, a mobile shell, a test harness). The file holds
// "online" or "offline"; "1", "true" and "up" also mean online. A missing
// or unreadable file means offline.
//
// The parent directory is watched rather than the file itself so that
// atomic replace-by-rename writes are seen.
type FileOracle struct {
	*Switch

	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileOracle creates an oracle for the status file at path. The initial
// state is read immediately; Start begins watching.
func NewFileOracle(path string, logger zerolog.Logger) (*FileOracle, error) {
	if path == "" {
		return nil, fmt.Errorf("status file path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve status file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileOracle{
		Switch:  NewSwitch(readStatus(abs)),
		path:    abs,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Path returns the watched status file.
func (f *FileOracle) Path() string { return f.path }

// Start begins watching the status file's directory.
func (f *FileOracle) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create status directory %s: %w", dir, err)
	}
	if err := f.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch status directory %s: %w", dir, err)
	}

	// The file may have changed between NewFileOracle and Add.
	f.Set(readStatus(f.path))

	f.running = true
	f.wg.Add(1)
	go f.processEvents()

	return nil
}

// Stop stops watching and ends all subscriptions. It blocks until the
// event loop has exited.
func (f *FileOracle) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		f.Close()
		return f.watcher.Close()
	}
	f.running = false
	f.mu.Unlock()

	close(f.done)

	if err := f.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	f.wg.Wait()
	f.Close()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (f *FileOracle) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FileOracle) processEvents() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return

		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			online := readStatus(f.path)
			if f.Set(online) {
				f.logger.Info().Bool("online", online).Str("file", f.path).Msg("connectivity changed")
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn().Err(err).Msg("status file watcher error")
		}
	}
}

func readStatus(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return ParseStatus(string(data))
}

// ParseStatus interprets the content of a status file.
func ParseStatus(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "1", "true", "up":
		return true
	default:
		return false
	}
}
