// Package schedule fires stored tasks and hands their payloads to the
// conversation layer as if the task's creator had typed them. Three
// schedule shapes are supported: a one-shot RFC3339 timestamp, a fixed
// interval in seconds, and a standard five-field cron expression.
package schedule

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

// Deliver receives a due task. The payload should re-enter the
// conversation engine as a synthetic user turn routed by the task's
// CreatedBy origin ("platform/chat_id").
type Deliver func(ctx context.Context, task store.ScheduledTask)

const defaultTick = 30 * time.Second

type Scheduler struct {
	store   *store.Store
	deliver Deliver
	tick    time.Duration
	now     func() time.Time
}

// Options configure the scheduler at construction.
type Options struct {
	Tick time.Duration
	Now  func() time.Time
}

func New(st *store.Store, deliver Deliver, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:   st,
		deliver: deliver,
		tick:    opts.Tick,
		now:     opts.Now,
	}
}

// NextRun computes the next fire time for a schedule, measured from
// "from". Unparseable schedules fail closed: the task is never created
// or silently deferred with a bad value.
func NextRun(scheduleType, scheduleValue string, from time.Time) (time.Time, error) {
	value := strings.TrimSpace(scheduleValue)
	switch scheduleType {
	case store.ScheduleOnce:
		ts, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, errors.Errorf("once schedule wants an RFC3339 timestamp, got %q", scheduleValue)
		}
		return ts, nil
	case store.ScheduleInterval:
		secs, err := strconv.Atoi(value)
		if err != nil || secs <= 0 {
			return time.Time{}, errors.Errorf("interval schedule wants a positive number of seconds, got %q", scheduleValue)
		}
		return from.Add(time.Duration(secs) * time.Second), nil
	case store.ScheduleCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", scheduleValue)
		}
		return sched.Next(from), nil
	default:
		return time.Time{}, errors.Errorf("unknown schedule type %q", scheduleType)
	}
}

// Create validates the schedule, stamps the initial next_run, and
// persists the task. Implements the scheduler surface the task tools
// call into.
func (s *Scheduler) Create(ctx context.Context, t *store.ScheduledTask) error {
	next, err := NextRun(t.ScheduleType, t.ScheduleValue, s.now())
	if err != nil {
		return err
	}
	t.NextRun = &next
	t.Enabled = true
	if err := s.store.CreateTask(t); err != nil {
		return errors.Wrap(err, "create task")
	}
	logging.G(ctx).WithFields(map[string]any{
		"task":     t.ID,
		"name":     t.Name,
		"type":     t.ScheduleType,
		"next_run": next.Format(time.RFC3339),
	}).Info("task scheduled")
	return nil
}

func (s *Scheduler) List(ctx context.Context) ([]store.ScheduledTask, error) {
	return s.store.ListTasks()
}

// Cancel disables a task. The row stays around so the schedule can be
// re-enabled later; Delete removes it for good.
func (s *Scheduler) Cancel(ctx context.Context, id int64) error {
	if _, err := s.store.GetTask(id); err != nil {
		return errors.Errorf("no task #%d", id)
	}
	if err := s.store.SetTaskEnabled(id, false); err != nil {
		return errors.Wrap(err, "disable task")
	}
	logging.G(ctx).WithField("task", id).Info("task cancelled")
	return nil
}

// Enable re-arms a disabled task. The next fire time is recomputed from
// now so a long-dormant interval or cron task does not fire a backlog.
func (s *Scheduler) Enable(ctx context.Context, id int64) error {
	t, err := s.store.GetTask(id)
	if err != nil {
		return errors.Errorf("no task #%d", id)
	}
	next, err := NextRun(t.ScheduleType, t.ScheduleValue, s.now())
	if err != nil {
		return err
	}
	if err := s.store.UpdateTaskNextRun(id, &next); err != nil {
		return errors.Wrap(err, "update next run")
	}
	if err := s.store.SetTaskEnabled(id, true); err != nil {
		return errors.Wrap(err, "enable task")
	}
	return nil
}

func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	if _, err := s.store.GetTask(id); err != nil {
		return errors.Errorf("no task #%d", id)
	}
	if err := s.store.DeleteTask(id); err != nil {
		return errors.Wrap(err, "delete task")
	}
	logging.G(ctx).WithField("task", id).Info("task deleted")
	return nil
}

// Run polls for due tasks until ctx is cancelled. Deliveries run
// sequentially on this goroutine, so cancellation waits for the firing
// in flight and nothing after it.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	logging.G(ctx).WithField("tick", s.tick.String()).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			logging.G(ctx).Info("scheduler stopped")
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueTasks(now)
	if err != nil {
		logging.G(ctx).WithError(err).Warn("could not query due tasks")
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, task, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, task store.ScheduledTask, now time.Time) {
	log := logging.G(ctx).WithFields(map[string]any{
		"task": task.ID,
		"name": task.Name,
	})

	var next *time.Time
	enabled := true
	switch task.ScheduleType {
	case store.ScheduleOnce:
		enabled = false
	default:
		n, err := NextRun(task.ScheduleType, task.ScheduleValue, now)
		if err != nil {
			// The value was valid at creation but no longer parses.
			// Disable instead of re-firing every tick.
			log.WithError(err).Warn("task schedule no longer parses, disabling")
			enabled = false
		} else {
			next = &n
		}
	}

	// Mark before delivering so a slow delivery cannot double-fire on
	// the next tick.
	if err := s.store.MarkTaskRun(task.ID, now, next, enabled); err != nil {
		log.WithError(err).Warn("could not mark task run")
		return
	}

	log.Info("task fired")
	s.deliver(ctx, task)
}
