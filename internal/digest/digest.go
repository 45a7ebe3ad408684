// Package digest periodically summarizes the recent event log and delivers
// the summary through a notifier.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
	"github.com/dj-oyu/home-monitor/internal/monitor"
	"github.com/dj-oyu/home-monitor/internal/sinks"
)

// ErrInvalidLookback is returned for a non-positive lookback.
var ErrInvalidLookback = errors.New("digest: lookback must be positive")

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts five-field cron expressions and descriptors such as "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse digest schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Summarizer describes a set of events. It reports failures in its text.
type Summarizer interface {
	Summarize(ctx context.Context, events []monitor.Event, start, end string) string
}

// Notifier delivers a finished digest.
type Notifier interface {
	SendDigest(ctx context.Context, d sinks.Digest) error
}

// Config controls the digest job.
type Config struct {
	Schedule string
	Lookback time.Duration
	Timeout  time.Duration  // per run; defaults to one minute
	Location *time.Location // schedule and prompt time zone; defaults to time.Local
}

// Job runs digests on a cron schedule.
type Job struct {
	cfg      Config
	log      *monitor.EventLog
	sum      Summarizer
	notifier Notifier
	metrics  *metrics.Metrics
	clock    func() time.Time

	sched   cron.Schedule
	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	last    *sinks.Digest
	lastErr error
}

// New validates cfg and prepares the job. notifier may be nil, in which case
// digests are only logged.
func New(cfg Config, log *monitor.EventLog, sum Summarizer, notifier Notifier, m *metrics.Metrics) (*Job, error) {
	if cfg.Lookback <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLookback, cfg.Lookback)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if m == nil {
		m = metrics.New()
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	j := &Job{
		cfg:      cfg,
		log:      log,
		sum:      sum,
		notifier: notifier,
		metrics:  m,
		clock:    time.Now,
		sched:    sched,
		cron:     cron.New(cron.WithLocation(cfg.Location)),
	}
	j.entryID = j.cron.Schedule(sched, cron.FuncJob(j.tick))
	return j, nil
}

// Start begins running on schedule.
func (j *Job) Start() {
	j.cron.Start()
	logger.Info("Digest", "Scheduled %q, next run at %s", j.cfg.Schedule,
		j.sched.Next(j.clock().In(j.cfg.Location)).Format(time.RFC3339))
}

// Stop halts the schedule and waits for a running digest to finish.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
}

// Next returns the next scheduled run, or the zero time before Start.
func (j *Job) Next() time.Time {
	return j.cron.Entry(j.entryID).Next
}

// Last returns the most recent digest and its delivery error.
func (j *Job) Last() (*sinks.Digest, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, j.lastErr
}

func (j *Job) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()
	if _, err := j.RunOnce(ctx); err != nil {
		logger.Warn("Digest", "Run failed: %v", err)
	}
}

// RunOnce summarizes the last lookback of the event log and delivers it.
func (j *Job) RunOnce(ctx context.Context) (sinks.Digest, error) {
	end := j.clock().In(j.cfg.Location).Truncate(time.Second)
	start := end.Add(-j.cfg.Lookback)
	events := j.log.Query(start, end)

	d := sinks.Digest{
		Summary: j.sum.Summarize(ctx, events,
			start.Format(monitor.TimestampLayout), end.Format(monitor.TimestampLayout)),
		Start:      start,
		End:        end,
		EventCount: len(events),
	}

	var err error
	if j.notifier != nil {
		err = j.notifier.SendDigest(ctx, d)
	}
	j.metrics.DigestRan(err)

	j.mu.Lock()
	j.last, j.lastErr = &d, err
	j.mu.Unlock()

	if err != nil {
		return d, fmt.Errorf("deliver digest: %w", err)
	}
	logger.Info("Digest", "%d events between %s and %s: %s",
		d.EventCount, start.Format(monitor.TimestampLayout), end.Format(monitor.TimestampLayout), d.Summary)
	return d, nil
}
