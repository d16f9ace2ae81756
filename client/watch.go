package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Clouded-Sabre/udp-file-transfer/config"
	"github.com/Clouded-Sabre/udp-file-transfer/lib"
	"github.com/fsnotify/fsnotify"
)

const (
	sentDirName    = "sent"
	settleDelay    = time.Second // a file must be unchanged this long before upload
	scanInterval   = 500 * time.Millisecond
	maxConcurrency = 4
)

// watchOutbox uploads every regular file that appears in the outbox and
// moves it into the sent subdirectory once the receiver confirmed it.
func watchOutbox(ctx context.Context, cfg *config.Config) error {
	outbox := cfg.Sender.Outbox
	sentDir := filepath.Join(outbox, sentDirName)
	if err := os.MkdirAll(sentDir, 0o755); err != nil {
		return err
	}
	// one pool shared by concurrent uploads so each gets a distinct local port
	senderConfig, err := cfg.SenderConfig()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(outbox); err != nil {
		return fmt.Errorf("watch %s: %w", outbox, err)
	}
	slog.Info("monitoring outbox", "dir", outbox, "server", cfg.Sender.ServerAddr)

	serverAddr := cfg.Sender.ServerAddr
	w := newOutboxWatcher(sentDir, func(ctx context.Context, path string) (*lib.UploadResult, error) {
		sc := *senderConfig
		if sc.TraceFile != "" {
			sc.TraceFile = strings.TrimSuffix(sc.TraceFile, ".pcap") + "_" + filepath.Base(path) + ".pcap"
		}
		return upload(ctx, serverAddr, &sc, path)
	})

	// files that were already waiting
	entries, err := os.ReadDir(outbox)
	if err != nil {
		return err
	}
	for _, e := range entries {
		w.note(filepath.Join(outbox, e.Name()))
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
				w.note(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			slog.Warn("watcher error", "err", err)
		case now := <-ticker.C:
			w.dispatch(ctx, now)
		}
	}
}

type uploadFunc func(ctx context.Context, path string) (*lib.UploadResult, error)

type outboxWatcher struct {
	sentDir string
	upload  uploadFunc

	mu      sync.Mutex
	pending map[string]time.Time // path -> last change
	active  map[string]bool
	slots   chan struct{}
	wg      sync.WaitGroup
}

func newOutboxWatcher(sentDir string, upload uploadFunc) *outboxWatcher {
	return &outboxWatcher{
		sentDir: sentDir,
		upload:  upload,
		pending: make(map[string]time.Time),
		active:  make(map[string]bool),
		slots:   make(chan struct{}, maxConcurrency),
	}
}

// note records a change to path if it is an uploadable file.
func (w *outboxWatcher) note(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// dispatch starts uploads for files that stopped changing.
func (w *outboxWatcher) dispatch(ctx context.Context, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, changed := range w.pending {
		if now.Sub(changed) < settleDelay || w.active[path] {
			continue
		}
		select {
		case w.slots <- struct{}{}:
		default:
			return
		}
		delete(w.pending, path)
		w.active[path] = true
		w.wg.Add(1)
		go w.send(ctx, path)
	}
}

func (w *outboxWatcher) send(ctx context.Context, path string) {
	defer func() {
		w.mu.Lock()
		delete(w.active, path)
		w.mu.Unlock()
		<-w.slots
		w.wg.Done()
	}()

	result, err := w.upload(ctx, path)
	if err != nil && result.Outcome != lib.OutcomeDegraded {
		slog.Error("upload failed, file stays in outbox", "file", path, "outcome", result.Outcome.String(), "err", err)
		return
	}
	target := filepath.Join(w.sentDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		slog.Error("cannot move uploaded file", "file", path, "err", err)
		return
	}
	slog.Info("file sent", "file", path, "moved", target)
}
