package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/pkg/watchdog"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// number of latest additions kept for reporting
const recentLimit = 16

// Tracker follows the shared corpus directory and counts the payloads the
// coordinator adds to it while this worker runs.
type Tracker struct {
	logger          *zap.Logger
	watchDogFactory *watchdog.WatchDogFactory
	corpusDir       string

	mu     sync.Mutex
	size   int
	recent []string
	done   chan struct{}
}

type TrackerParams struct {
	fx.In

	Lc              fx.Lifecycle
	Logger          *zap.Logger
	AppConfig       *config.AppConfig
	WatchDogFactory *watchdog.WatchDogFactory
}

func NewTracker(p TrackerParams) *Tracker {
	t := New(p.Logger, p.WatchDogFactory, filepath.Join(p.AppConfig.WorkDir, "corpus"))

	trackerCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return t.Start(trackerCtx)
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			t.Wait()
			return nil
		},
	})
	return t
}

func New(logger *zap.Logger, factory *watchdog.WatchDogFactory, corpusDir string) *Tracker {
	return &Tracker{
		logger:          logger.Named("corpus"),
		watchDogFactory: factory,
		corpusDir:       corpusDir,
		done:            make(chan struct{}),
	}
}

func isPayload(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "payload_")
}

// Start counts the existing payloads and begins watching for new ones.
func (t *Tracker) Start(ctx context.Context) error {
	if err := os.MkdirAll(t.corpusDir, 0755); err != nil {
		return fmt.Errorf("failed to create corpus dir: %w", err)
	}
	existing, err := filepath.Glob(filepath.Join(t.corpusDir, "*", "payload_*"))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.size = len(existing)
	t.mu.Unlock()

	notify := make(chan string, 64)
	dog, err := t.watchDogFactory.New(ctx, notify, isPayload)
	if err != nil {
		return err
	}
	if err := dog.AddDir(t.corpusDir); err != nil {
		return err
	}
	subdirs, _ := os.ReadDir(t.corpusDir)
	for _, d := range subdirs {
		if !d.IsDir() {
			continue
		}
		if err := dog.AddDir(filepath.Join(t.corpusDir, d.Name())); err != nil {
			t.logger.Warn("failed to watch corpus subdir", zap.String("dir", d.Name()), zap.Error(err))
		}
	}

	t.logger.Debug("tracking corpus", zap.String("dir", t.corpusDir), zap.Int("size", len(existing)))
	go t.track(notify)
	return nil
}

func (t *Tracker) track(notify <-chan string) {
	defer close(t.done)
	for path := range notify {
		t.mu.Lock()
		t.size++
		t.recent = append(t.recent, filepath.Base(path))
		if len(t.recent) > recentLimit {
			t.recent = t.recent[len(t.recent)-recentLimit:]
		}
		t.mu.Unlock()
	}
}

// Wait blocks until the watcher started by Start has stopped.
func (t *Tracker) Wait() {
	<-t.done
}

func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Additions returns the payloads added since the previous call.
func (t *Tracker) Additions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := t.recent
	t.recent = nil
	return added
}
