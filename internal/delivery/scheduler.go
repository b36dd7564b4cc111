package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSyncInterval  = time.Hour
	DefaultPurgeInterval = 6 * time.Hour
)

// Scheduler fires the periodic sync trigger and the delivered-row purge.
type Scheduler struct {
	c   *cron.Cron
	log zerolog.Logger
}

func NewScheduler(o *Orchestrator, syncInterval, purgeInterval time.Duration, log zerolog.Logger) (*Scheduler, error) {
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	if purgeInterval <= 0 {
		purgeInterval = DefaultPurgeInterval
	}
	log = log.With().Str("component", "scheduler").Logger()

	logger := cronLogger{log: log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))

	if _, err := c.AddFunc(every(syncInterval), func() { o.Trigger(TriggerPeriodic) }); err != nil {
		return nil, fmt.Errorf("schedule periodic sync: %w", err)
	}
	if _, err := c.AddFunc(every(purgeInterval), func() {
		n, err := o.Purge(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("purge of delivered alerts failed")
			return
		}
		log.Debug().Int64("purged", n).Msg("purged delivered alerts")
	}); err != nil {
		return nil, fmt.Errorf("schedule purge: %w", err)
	}

	return &Scheduler{c: c, log: log}, nil
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
}

func (s *Scheduler) Entries() []cron.Entry { return s.c.Entries() }

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
