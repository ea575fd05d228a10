package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/centralseq/coordinator"
)

var resyncCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseResyncSchedule parses a five-field UTC cron expression or a
// descriptor such as "@hourly" or "@every 15m". Timezone prefixes are
// rejected; resync schedules are always evaluated in UTC.
func ParseResyncSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("resync cron expression is required")
	}
	if strings.Contains(strings.ToUpper(clean), "TZ=") {
		return nil, fmt.Errorf("resync cron %q must not set a timezone", clean)
	}
	schedule, err := resyncCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("resync cron %q: %w", clean, err)
	}
	return schedule, nil
}

// Resyncer runs one resync pass for an element type ("" for all types).
type Resyncer interface {
	Resync(ctx context.Context, elementType string) (coordinator.ResyncResult, error)
}

// ResyncSchedulerConfig configures the background resync runner.
type ResyncSchedulerConfig struct {
	Resyncer Resyncer
	// Cron is a UTC cron expression or descriptor.
	Cron string
	// ElementTypes limits runs to these types. Empty resyncs every type.
	ElementTypes []string
	Now          func() time.Time
	Logger       *slog.Logger
}

// ResyncScheduler periodically re-mirrors stored records into the index.
type ResyncScheduler struct {
	resyncer     Resyncer
	schedule     cron.Schedule
	elementTypes []string
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewResyncScheduler validates cfg and returns a scheduler.
func NewResyncScheduler(cfg ResyncSchedulerConfig) (*ResyncScheduler, error) {
	if cfg.Resyncer == nil {
		return nil, errors.New("resync scheduler resyncer is nil")
	}
	schedule, err := ParseResyncSchedule(cfg.Cron)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	types := append([]string(nil), cfg.ElementTypes...)
	if len(types) == 0 {
		types = []string{""}
	}
	return &ResyncScheduler{
		resyncer:     cfg.Resyncer,
		schedule:     schedule,
		elementTypes: types,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start starts the background loop. Calling Start twice is a no-op.
func (s *ResyncScheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := s.now()
			wait := s.schedule.Next(now.UTC()).Sub(now)
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops the background loop and waits for it to exit.
func (s *ResyncScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce resyncs every configured element type. A pass that starts while a
// previous one is still running is skipped.
func (s *ResyncScheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("resync skipped, previous run still active")
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var errs []error
	for _, elementType := range s.elementTypes {
		result, err := s.resyncer.Resync(ctx, elementType)
		if err != nil {
			s.logger.Error("scheduled resync failed", "element_type", elementType, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Info("scheduled resync complete",
			"run_id", result.RunID,
			"element_type", elementType,
			"records", result.Records,
			"degraded", result.Sync.Degraded,
		)
	}
	return errors.Join(errs...)
}
