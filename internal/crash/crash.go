package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/junfuture1103/kAFL/config"
	"github.com/junfuture1103/kAFL/internal/comm"
	"github.com/junfuture1103/kAFL/pkg/database"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type record struct {
	payload []byte
	info    comm.Info

	// set for funky inputs only
	funkyDir string
	counters database.Counters
}

// CrashManager persists abnormal and funky inputs off the execution path.
// Files always go to the work directory; database rows are written only when a
// database is configured.
type CrashManager struct {
	db       *gorm.DB
	logger   *zap.Logger
	workerID int

	crashFolder string
	recordChan  chan record
	done        chan struct{}

	mu     sync.Mutex
	closed bool
}

type CrashManagerParams struct {
	fx.In

	Lc        fx.Lifecycle
	DB        *gorm.DB `optional:"true"`
	Logger    *zap.Logger
	AppConfig *config.AppConfig
}

func NewCrashManager(p CrashManagerParams) *CrashManager {
	c, err := New(p.DB, p.Logger, p.AppConfig.WorkerID, filepath.Join(p.AppConfig.WorkDir, "crashes"))
	if err != nil {
		// if we can't create the crash folder, there's no point in continuing
		p.Logger.Fatal("failed to create crash folder", zap.Error(err))
		return nil
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager")
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.logger.Info("stopping crash manager")
			c.Stop()
			return nil
		},
	})
	return c
}

func New(db *gorm.DB, logger *zap.Logger, workerID int, crashFolder string) (*CrashManager, error) {
	if err := os.MkdirAll(crashFolder, 0755); err != nil {
		return nil, err
	}
	return &CrashManager{
		db:          db,
		logger:      logger.Named("crash"),
		workerID:    workerID,
		crashFolder: crashFolder,
		recordChan:  make(chan record, 1024),
		done:        make(chan struct{}),
	}, nil
}

func (c *CrashManager) Start() {
	go c.start()
}

// Stop drains the pending records and waits until they are stored.
func (c *CrashManager) Stop() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.recordChan)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *CrashManager) submit(r record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn("crash manager stopped, dropping record", zap.String("exit_reason", r.info.ExitReason))
		return
	}
	c.recordChan <- r
}

// RecordCrash queues an abnormal input for storage.
func (c *CrashManager) RecordCrash(payload []byte, info comm.Info) {
	c.submit(record{payload: payload, info: info})
}

// RecordFunky queues a dumped funky input for storage.
func (c *CrashManager) RecordFunky(dir string, counters map[string]uint64) {
	c.submit(record{funkyDir: dir, counters: counters})
}

func (c *CrashManager) start() {
	defer close(c.done)
	for r := range c.recordChan {
		var err error
		if r.funkyDir != "" {
			err = c.processFunky(r)
		} else {
			err = c.processCrash(r)
		}
		if err != nil {
			c.logger.Error("failed to process record", zap.Error(err))
		}
	}
}

// processCrash stores a single abnormal input under its md5
func (c *CrashManager) processCrash(r record) error {
	crashStore := filepath.Join(c.crashFolder, r.info.ExitReason)
	if err := os.MkdirAll(crashStore, 0755); err != nil {
		return fmt.Errorf("failed to create crash store directory: %w", err)
	}

	crashMd5 := md5.Sum(r.payload)
	sum := hex.EncodeToString(crashMd5[:])
	crashPath := filepath.Join(crashStore, sum)
	if _, err := os.Stat(crashPath); err == nil {
		c.logger.Debug("crash already stored", zap.String("path", crashPath))
		return nil
	}
	if err := os.WriteFile(crashPath, r.payload, 0644); err != nil {
		return fmt.Errorf("failed to write crash file: %w", err)
	}
	c.logger.Info("stored abnormal input",
		zap.String("exit_reason", r.info.ExitReason),
		zap.String("path", crashPath))

	if c.db == nil {
		return nil
	}
	crash, err := database.NewCrash(c.workerID, database.ExitReasonEnum(r.info.ExitReason), crashPath, sum, r.info)
	if err != nil {
		return fmt.Errorf("failed to create crash record: %w", err)
	}
	if err := database.AddCrashes(context.Background(), c.db, []*database.Crash{crash}); err != nil {
		return fmt.Errorf("failed to add crash: %w", err)
	}
	return nil
}

func (c *CrashManager) processFunky(r record) error {
	if c.db == nil {
		return nil
	}
	funky := database.NewFunkyInput(c.workerID, r.funkyDir, r.counters)
	if err := database.AddFunkyInput(context.Background(), c.db, funky); err != nil {
		return fmt.Errorf("failed to add funky input: %w", err)
	}
	return nil
}
