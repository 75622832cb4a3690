// Package coordination runs background work that only one node should do
// at a time.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/itskum47/SettingsForge/control_plane/logger"
	"github.com/itskum47/SettingsForge/control_plane/observability"
	"github.com/itskum47/SettingsForge/control_plane/store"
)

const sweepLock = "session-sweep"

// Sweeper removes expired sessions as of now.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SessionSweeper periodically prunes sessions whose clients stopped polling.
// Heartbeats prune opportunistically; the sweeper catches clients that went
// silent for good. Nodes share the work through a Coordinator lock.
type SessionSweeper struct {
	sessions Sweeper
	coord    store.Coordinator
	nodeID   string
	lockTTL  time.Duration
	cron     *cron.Cron
	hooks    []func()
	now      func() time.Time
}

func NewSessionSweeper(sessions Sweeper, coord store.Coordinator, nodeID, schedule string) (*SessionSweeper, error) {
	s := &SessionSweeper{
		sessions: sessions,
		coord:    coord,
		nodeID:   nodeID,
		lockTTL:  time.Minute,
		now:      time.Now,
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{logger.Logger.Sugar()})))
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// AfterSweep registers fn to run after every sweep this node performs.
func (s *SessionSweeper) AfterSweep(fn func()) {
	s.hooks = append(s.hooks, fn)
}

func (s *SessionSweeper) Start() {
	logger.Info("Starting session sweeper", zap.String("node_id", s.nodeID))
	s.cron.Start()
}

// Stop waits for a running sweep or for ctx, whichever ends first.
func (s *SessionSweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warn("Session sweeper stop timed out")
	}
}

// RunOnce sweeps if no other node holds the sweep lock. It returns the
// number of sessions removed.
func (s *SessionSweeper) RunOnce(ctx context.Context) int {
	key := store.LockKey(sweepLock)
	acquired, err := s.coord.AcquireLock(ctx, key, s.nodeID, s.lockTTL)
	if err != nil {
		logger.Warn("failed to acquire sweep lock", zap.Error(err))
		return 0
	}
	if !acquired {
		logger.Debug("sweep lock held by another node")
		return 0
	}
	defer func() {
		if err := s.coord.ReleaseLock(ctx, key, s.nodeID); err != nil {
			logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	start := time.Now()
	removed, err := s.sessions.Sweep(ctx, s.now())
	observability.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Warn("session sweep finished with errors", zap.Int("removed", removed), zap.Error(err))
	} else if removed > 0 {
		logger.Info("session sweep removed expired sessions", zap.Int("removed", removed))
	}
	for _, fn := range s.hooks {
		fn()
	}
	return removed
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
