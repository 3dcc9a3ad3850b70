package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
)

// Enqueuer admits tasks into the queue
type Enqueuer interface {
	Enqueue(priority model.TaskPriority, payload model.TaskPayload) *model.Task
}

// Schedule periodically enqueues a task
type Schedule struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Expression  string             `json:"expression"`
	Type        model.TaskType     `json:"type"`
	Priority    model.TaskPriority `json:"priority"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	LastRunTime *time.Time         `json:"lastRunTime,omitempty"`
	NextRunTime *time.Time         `json:"nextRunTime,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// CronScheduler enqueues tasks on cron schedules
type CronScheduler struct {
	logger    *zap.Logger
	queue     Enqueuer
	cron      *cron.Cron
	parser    cron.Parser
	mu        sync.RWMutex
	schedules map[string]*Schedule
	entryIDs  map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new cron scheduler feeding queue
func NewCronScheduler(queue Enqueuer, logger *zap.Logger) *CronScheduler {
	logger = logger.Named("cron")
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := &cronLogger{logger: logger}

	return &CronScheduler{
		logger: logger,
		queue:  queue,
		parser: parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl)),
			cron.WithLogger(cl),
		),
		schedules: make(map[string]*Schedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start starts the cron runner
func (s *CronScheduler) Start() {
	s.logger.Info("Starting cron scheduler", zap.Int("schedules", len(s.ListSchedules())))
	s.cron.Start()
}

// Stop stops the cron runner and waits for running jobs
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddSchedule validates and registers a schedule
func (s *CronScheduler) AddSchedule(schedule *Schedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	if !schedule.Priority.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, model.ErrInvalidPriority)
	}

	payload, err := model.DecodePayload(schedule.Type, schedule.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	spec, err := s.parser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("%w: invalid cron expression: %v", ErrInvalidSchedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidSchedule, schedule.ID)
	}

	entryID := s.cron.Schedule(spec, &cronJob{
		scheduler: s,
		schedule:  schedule,
		payload:   payload,
		spec:      spec,
	})

	next := spec.Next(time.Now())
	schedule.NextRunTime = &next
	s.schedules[schedule.ID] = schedule
	s.entryIDs[schedule.ID] = entryID

	s.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.Time("next_run", next))

	return nil
}

// AddFunc registers a maintenance function on a cron expression
func (s *CronScheduler) AddFunc(name, expression string, fn func()) error {
	if _, err := s.cron.AddFunc(expression, fn); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, name, err)
	}
	s.logger.Info("Added maintenance job",
		zap.String("name", name),
		zap.String("expression", expression))
	return nil
}

// RemoveSchedule removes a schedule
func (s *CronScheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule returns a copy of the schedule with the given ID
func (s *CronScheduler) GetSchedule(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	copied := *schedule
	return &copied, nil
}

// ListSchedules returns copies of all schedules, oldest first
func (s *CronScheduler) ListSchedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		copied := *schedule
		schedules = append(schedules, &copied)
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	return schedules
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	schedule  *Schedule
	payload   model.TaskPayload
	spec      cron.Schedule
}

// Run implements cron.Job
func (j *cronJob) Run() {
	now := time.Now()
	next := j.spec.Next(now)

	j.scheduler.mu.Lock()
	j.schedule.LastRunTime = &now
	j.schedule.NextRunTime = &next
	j.scheduler.mu.Unlock()

	task := j.scheduler.queue.Enqueue(j.schedule.Priority, j.payload)

	j.scheduler.logger.Info("Executed schedule",
		zap.String("id", j.schedule.ID),
		zap.String("name", j.schedule.Name),
		zap.String("task_id", task.ID),
		zap.Time("next_run", next))
}
