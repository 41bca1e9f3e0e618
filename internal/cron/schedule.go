package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/store"
)

// TriggerPayload is the shape broadcast on the "cron.trigger" bus event.
// The event is a notification only; the runtime is invoked through the
// service's FireFunc.
type TriggerPayload struct {
	TaskID     string `json:"taskId"`
	Task       string `json:"task"`
	Name       string `json:"name"`
	SessionKey string `json:"sessionKey"`
	Notify     bool   `json:"notify,omitempty"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	RunID      string `json:"runId"`
}

const cronTriggerEvent = "cron.trigger"

// FireFunc runs a job's task and returns its result. Supplied by whatever
// owns the runtime invocation; cron itself only matches schedules and
// broadcasts the trigger.
type FireFunc func(ctx context.Context, job *Job, runID, sessionKey string) (Result, error)

// Service owns the job table, the minute-resolution ticker, and the retry
// policy applied when a fire handler errors.
type Service struct {
	store  *Store
	fire   FireFunc
	events bus.EventPublisher
	retry  RetryConfig
	gx     gronx.Gronx
	log    *slog.Logger

	lastFired map[string]string // jobID -> last-fired minute key, dedupes within one minute
}

// NewService creates a cron service. fire may be nil until the runtime
// invocation seam is wired; Start will skip firing (but still emits
// cron.trigger) in that case.
func NewService(store *Store, events bus.EventPublisher, fire FireFunc, retry RetryConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		fire:      fire,
		events:    events,
		retry:     retry,
		gx:        *gronx.New(),
		log:       log,
		lastFired: make(map[string]string),
	}
}

// Start runs the minute-resolution schedule-matching loop until ctx is
// cancelled. Schedules are always evaluated in UTC regardless of host
// timezone.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	minuteKey := now.Format("200601021504")
	for _, job := range s.store.List() {
		if !job.Enabled {
			continue
		}
		if s.lastFired[job.ID] == minuteKey {
			continue
		}
		due, err := s.gx.IsDue(job.Schedule, now)
		if err != nil {
			s.log.Warn("cron: invalid schedule", "job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.lastFired[job.ID] = minuteKey
		go s.runJob(ctx, job, now)
	}
}

func (s *Service) runJob(ctx context.Context, job *Job, firedAt time.Time) {
	runID := firedAt.UTC().Format("20060102T150405Z")
	sessionKey := store.BuildCronSessionKey(job.ID, firedAt)

	if s.events != nil {
		s.events.Broadcast(bus.Event{
			Name: cronTriggerEvent,
			Payload: TriggerPayload{
				TaskID:     job.ID,
				Task:       job.Task,
				Name:       job.Name,
				SessionKey: sessionKey,
				Notify:     job.Notify,
				Channel:    job.Channel,
				To:         job.To,
				RunID:      runID,
			},
		})
	}

	if s.fire == nil {
		return
	}

	run := &Run{ID: runID, JobID: job.ID, StartedAt: time.Now().UTC()}
	var result Result
	var err error
	attempts := s.retry.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		run.Attempts = attempt
		result, err = s.fire(ctx, job, runID, sessionKey)
		if err == nil {
			break
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				break
			case <-time.After(s.retry.backoff(attempt)):
			}
		}
	}
	run.EndedAt = time.Now().UTC()
	if err != nil {
		run.Err = err.Error()
		s.log.Error("cron: job failed", "job", job.ID, "run", runID, "attempts", run.Attempts, "error", err)
	} else {
		run.Content = result.Content
	}
	s.store.RecordRun(job.ID, run)
}

// ValidateSchedule reports whether expr is a syntactically valid 5-field
// cron expression.
func ValidateSchedule(expr string) bool {
	return gronx.IsValid(expr)
}
