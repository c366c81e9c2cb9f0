package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// JobInfo describes one registered job for the status endpoint.
type JobInfo struct {
	Name    string     `json:"name"`
	NextRun *time.Time `json:"next_run,omitempty"`
	PrevRun *time.Time `json:"prev_run,omitempty"`
}

// Scheduler manages background jobs. Schedules are evaluated in the
// configured location (KST in production) and a job that is still
// running when its next tick fires is skipped, never stacked.
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	grace   time.Duration
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	jobs    []Job
	running bool
}

// Config holds scheduler configuration.
type Config struct {
	Log       zerolog.Logger
	Location  *time.Location
	StopGrace time.Duration
}

// New creates a new scheduler
func New(cfg Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	log := cfg.Log.With().Str("component", "scheduler").Logger()
	cronLog := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log:     log,
		grace:   grace,
		baseCtx: ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Context is the parent context job runs derive from. It is canceled
// when Stop gives up waiting, so a long batch can notice the shutdown.
func (s *Scheduler) Context() context.Context {
	return s.baseCtx
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop drains in-flight jobs. After the grace deadline it cancels the
// job context and abandons whatever is still running; a canceled batch
// records itself as failed on the way out.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	drained := s.cron.Stop()
	select {
	case <-drained.Done():
		s.log.Info().Msg("Scheduler stopped")
	case <-time.After(s.grace):
		s.log.Warn().Dur("grace", s.grace).Msg("Stop deadline reached, canceling in-flight jobs")
		s.cancel()
		select {
		case <-drained.Done():
		case <-time.After(5 * time.Second):
			s.log.Error().Msg("Jobs did not exit after cancel")
		}
	}
	s.cancel()
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@every 60s"         - Every 60 seconds
//   - "0 0 16 * * MON-FRI" - 16:00 weekdays
func (s *Scheduler) AddJob(schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() { s.runJob(job) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[job.Name()] = id
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow triggers a registered job once, outside its schedule. The run
// goes through the same wrapper chain as scheduled ticks, so it is
// skipped when the job is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	entry := s.cron.Entry(id)
	if entry.WrappedJob == nil {
		return fmt.Errorf("job %q has no runnable entry", name)
	}

	s.log.Info().Str("job", name).Msg("Running job immediately")
	go entry.WrappedJob.Run()
	return nil
}

// Jobs lists registered jobs with their next and previous run times.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, job := range s.jobs {
		info := JobInfo{Name: job.Name()}
		if id, ok := s.entries[job.Name()]; ok {
			entry := s.cron.Entry(id)
			if !entry.Next.IsZero() {
				next := entry.Next
				info.NextRun = &next
			}
			if !entry.Prev.IsZero() {
				prev := entry.Prev
				info.PrevRun = &prev
			}
		}
		out = append(out, info)
	}
	return out
}

// Running reports whether the cron loop is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runJob(job Job) {
	s.log.Debug().Str("job", job.Name()).Msg("Running job")

	if err := job.Run(); err != nil {
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Msg("Job failed")
		return
	}

	s.log.Debug().Str("job", job.Name()).Msg("Job completed")
}

// cronLogger adapts zerolog to the cron.Logger interface consumed by
// the Recover and SkipIfStillRunning wrappers. The library's routine
// wake/run chatter maps to Debug.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(logFields(keysAndValues)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(logFields(keysAndValues)).Msg(msg)
}

func logFields(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out[key] = kv[i+1]
	}
	return out
}
