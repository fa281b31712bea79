package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/pulse/event"
)

// Schedule declares a periodic topic.tick emission.
type Schedule struct {
	Topic string
	Cron  string
}

// Publisher is the bus-facing side the scheduler emits ticks to.
type Publisher interface {
	Publish(e event.Event) event.Event
}

// scheduleParser accepts standard five-field cron expressions plus
// descriptors like @hourly and @every 30s. Expressions are evaluated in UTC.
var scheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Scheduler emits topic.tick events on configured cron schedules.
type Scheduler struct {
	pub    Publisher
	logger *slog.Logger
	cron   *cron.Cron
}

// NewScheduler validates the schedules and prepares the cron runner. Start
// must be called to begin ticking.
func NewScheduler(pub Publisher, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		pub:    pub,
		logger: logger,
		cron:   cron.New(cron.WithParser(scheduleParser), cron.WithLocation(time.UTC)),
	}

	for i, sched := range schedules {
		topic := strings.TrimSpace(sched.Topic)
		expr := strings.TrimSpace(sched.Cron)
		if topic == "" || expr == "" {
			return nil, fmt.Errorf("server: schedule %d: topic and cron are required", i)
		}
		if _, err := s.cron.AddFunc(expr, s.tickFunc(topic, expr)); err != nil {
			return nil, fmt.Errorf("server: schedule %d: invalid cron %q: %w", i, expr, err)
		}
	}
	return s, nil
}

func (s *Scheduler) tickFunc(topic, expr string) func() {
	return func() {
		e := s.pub.Publish(event.New(topic, event.KindTopicTick).WithPayload("schedule", expr))
		s.logger.Debug("scheduled tick", "topic", topic, "seq", e.Seq)
	}
}

// Start begins emitting ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron runner and waits for in-flight tick functions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
