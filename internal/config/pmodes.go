package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/JoergVierling/eessi-as4.net/internal/sender"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// LoadPModes reads every processing mode document under the configured
// directories into the registry. Sender methods are validated eagerly:
// a PMode naming an unknown strategy or a misspelled parameter fails
// the load.
func LoadPModes(cfg PModesConfig, reg *pmode.Registry, senders *sender.Registry) error {
	if cfg.SendingDir != "" {
		if err := loadDir(cfg.SendingDir, func(data []byte, path string) error {
			var p pmode.SendingPMode
			if err := yaml.Unmarshal(data, &p); err != nil {
				return errors.Wrapf(err, "decoding %s", path)
			}
			if err := checkSendingMethods(&p, senders); err != nil {
				return errors.Wrapf(err, "%s", path)
			}
			return errors.Wrapf(reg.PutSending(&p), "%s", path)
		}); err != nil {
			return err
		}
	}
	if cfg.ReceivingDir != "" {
		if err := loadDir(cfg.ReceivingDir, func(data []byte, path string) error {
			var p pmode.ReceivingPMode
			if err := yaml.Unmarshal(data, &p); err != nil {
				return errors.Wrapf(err, "decoding %s", path)
			}
			if err := checkReceivingMethods(&p, senders); err != nil {
				return errors.Wrapf(err, "%s", path)
			}
			return errors.Wrapf(reg.PutReceiving(&p), "%s", path)
		}); err != nil {
			return err
		}
	}
	return nil
}

func loadDir(dir string, put func(data []byte, path string) error) error {
	paths, err := pmodeFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		if err := put([]byte(os.ExpandEnv(string(data))), path); err != nil {
			return err
		}
	}
	return nil
}

func pmodeFiles(dir string) ([]string, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", dir)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

func checkSendingMethods(p *pmode.SendingPMode, senders *sender.Registry) error {
	for _, h := range []struct {
		name     string
		handling pmode.NotifyHandling
	}{
		{"receiptHandling", p.ReceiptHandling},
		{"errorHandling", p.ErrorHandling},
		{"exceptionHandling", p.ExceptionHandling},
	} {
		if !h.handling.NotifyProducer {
			continue
		}
		if err := checkMethod(h.handling.Method, senders); err != nil {
			return errors.Wrap(err, h.name)
		}
	}
	return nil
}

func checkReceivingMethods(p *pmode.ReceivingPMode, senders *sender.Registry) error {
	if p.Deliver != nil && p.Deliver.IsEnabled {
		if err := checkMethod(p.Deliver.DeliverMethod, senders); err != nil {
			return errors.Wrap(err, "deliver")
		}
	}
	if p.ExceptionHandling.NotifyProducer {
		if err := checkMethod(p.ExceptionHandling.Method, senders); err != nil {
			return errors.Wrap(err, "exceptionHandling")
		}
	}
	return nil
}

func checkMethod(m pmode.Method, senders *sender.Registry) error {
	if senders != nil {
		if err := senders.Validate(m); err != nil {
			return err
		}
	}
	return CheckMethod(m)
}

// PModeWatcher reloads the registry when a document changes on disk.
// Change detection is an explicit last-seen mtime map per file; a file
// counts as changed when its mtime differs from the recorded one, and
// vanished files are pruned from the map (removal does not evict
// already-loaded PModes).
type PModeWatcher struct {
	cfg     PModesConfig
	reg     *pmode.Registry
	senders *sender.Registry
	log     *logrus.Entry

	lastSeen map[string]time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPModeWatcher creates a watcher; Start is separate so the caller
// controls the lifecycle.
func NewPModeWatcher(cfg PModesConfig, reg *pmode.Registry, senders *sender.Registry, log *logrus.Entry) *PModeWatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PModeWatcher{
		cfg:      cfg,
		reg:      reg,
		senders:  senders,
		log:      log.WithField("component", "pmode-watcher"),
		lastSeen: make(map[string]time.Time),
	}
}

// Start begins polling the directories. A non-positive watch interval
// makes Start a no-op.
func (w *PModeWatcher) Start(ctx context.Context) {
	if w.cfg.WatchInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.WatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep()
			}
		}
	}()
}

// Stop halts the watcher and waits for the sweep loop to exit.
func (w *PModeWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *PModeWatcher) sweep() {
	if !w.changed() {
		return
	}
	if err := LoadPModes(w.cfg, w.reg, w.senders); err != nil {
		// Keep serving the previously loaded documents.
		w.log.WithError(err).Error("reloading pmodes; previous set kept")
		return
	}
	w.log.Info("pmodes reloaded")
}

func (w *PModeWatcher) changed() bool {
	current := make(map[string]time.Time)
	for _, dir := range []string{w.cfg.SendingDir, w.cfg.ReceivingDir} {
		if dir == "" {
			continue
		}
		paths, err := pmodeFiles(dir)
		if err != nil {
			w.log.WithError(err).Warn("listing pmode directory")
			continue
		}
		for _, path := range paths {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			current[path] = info.ModTime()
		}
	}

	changed := false
	for path, mtime := range current {
		if prev, ok := w.lastSeen[path]; !ok || !prev.Equal(mtime) {
			changed = true
		}
	}
	for path := range w.lastSeen {
		if _, ok := current[path]; !ok {
			changed = true
		}
	}
	w.lastSeen = current
	return changed
}
