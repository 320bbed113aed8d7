package receivers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FileHandler processes one picked-up file. The path it receives is the
// in-progress rename; the poller moves the file to its terminal name
// when the handler returns.
type FileHandler func(ctx context.Context, path string) error

// FilePollerConfig tunes a directory watcher.
type FilePollerConfig struct {
	// Directory is watched for files matching Pattern. Required.
	Directory string
	// Pattern is a filepath.Match glob. Default "*.xml".
	Pattern string
	// PollInterval is the sleep between directory scans. Default 3s.
	PollInterval time.Duration
	// Debounce is how long a file must sit unmodified before pickup, so
	// half-written drops are not consumed. Default 2s.
	Debounce time.Duration
}

func (c *FilePollerConfig) setDefaults() {
	if c.Pattern == "" {
		c.Pattern = "*.xml"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
}

const (
	suffixProcessing = ".processing"
	suffixAccepted   = ".accepted"
	suffixException  = ".exception"
)

// FilePoller picks up files dropped in a directory. A file is claimed by
// renaming it to <name>.processing, which is atomic on one filesystem
// and keeps two poller instances off the same file. Debounce is an
// explicit last-seen map of path to modification time; a file is only
// picked up once its mtime has been stable for the debounce window.
type FilePoller struct {
	cfg     FilePollerConfig
	handler FileHandler
	log     *logrus.Entry

	lastSeen map[string]time.Time
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFilePoller(cfg FilePollerConfig, handler FileHandler, log *logrus.Entry) *FilePoller {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FilePoller{
		cfg:     cfg,
		handler: handler,
		log: log.WithFields(logrus.Fields{
			"component": "file-poller",
			"directory": cfg.Directory,
		}),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (p *FilePoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

func (p *FilePoller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *FilePoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Scan(ctx)
		}
	}
}

// Scan runs one directory pass; exported for tests and manual triggers.
func (p *FilePoller) Scan(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(p.cfg.Directory, p.cfg.Pattern))
	if err != nil {
		p.log.WithError(err).Warn("scanning directory")
		return
	}

	seen := make(map[string]struct{}, len(matches))
	for _, path := range matches {
		if ctx.Err() != nil {
			return
		}
		if strings.HasSuffix(path, suffixProcessing) ||
			strings.HasSuffix(path, suffixAccepted) ||
			strings.HasSuffix(path, suffixException) {
			continue
		}
		seen[path] = struct{}{}
		if p.settled(path) {
			p.pickup(ctx, path)
			delete(p.lastSeen, path)
		}
	}

	// Entries for files that vanished would otherwise pin the map.
	for path := range p.lastSeen {
		if _, ok := seen[path]; !ok {
			delete(p.lastSeen, path)
		}
	}
}

// settled reports whether the file's mtime has been unchanged for the
// debounce window, tracked in the last-seen map.
func (p *FilePoller) settled(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		delete(p.lastSeen, path)
		return false
	}

	seen, ok := p.lastSeen[path]
	if !ok || !seen.Equal(info.ModTime()) {
		p.lastSeen[path] = info.ModTime()
		return false
	}
	return p.now().Sub(info.ModTime()) >= p.cfg.Debounce
}

func (p *FilePoller) pickup(ctx context.Context, path string) {
	claimed := path + suffixProcessing
	if err := os.Rename(path, claimed); err != nil {
		// Another instance got there first.
		p.log.WithError(err).WithField("file", path).Debug("file already claimed")
		return
	}

	log := p.log.WithField("file", path)
	log.Info("picked up file")

	terminal := path + suffixAccepted
	if err := p.runHandler(ctx, claimed); err != nil {
		log.WithError(err).Warn("file handler failed")
		terminal = path + suffixException
	}
	if err := os.Rename(claimed, terminal); err != nil {
		log.WithError(err).Warn("moving file to terminal name")
	}
}

func (p *FilePoller) runHandler(ctx context.Context, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{"file": path, "panic": r}).Error("file handler panicked")
			err = errPanic
		}
	}()
	return p.handler(ctx, path)
}

type panicError struct{}

func (panicError) Error() string { return "file handler panicked" }

var errPanic = panicError{}
