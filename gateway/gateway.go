// Package gateway validates and rate-limits inbound submissions before they
// reach the bus or the job registry. It is the single write path for
// external producers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/petal-labs/pulse/event"
	"github.com/petal-labs/pulse/jobs"
)

const (
	// DefaultMaxPayloadBytes caps the JSON-encoded payload of a single
	// event.
	DefaultMaxPayloadBytes = 64 * 1024

	// DefaultEventsPerSecond is the per-topic sustained ingest rate.
	DefaultEventsPerSecond = 100

	// DefaultBurst is the per-topic burst allowance.
	DefaultBurst = 200

	// DefaultLimiterTTL is how long an idle topic's limiter is retained.
	DefaultLimiterTTL = 5 * time.Minute
)

var topicPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// ValidationError reports a rejected submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gateway: invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError reports a submission rejected by the per-topic limiter.
type RateLimitError struct {
	Topic string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway: rate limit exceeded for topic %q", e.Topic)
}

// Publisher is the bus-facing side the gateway writes accepted events to.
type Publisher interface {
	Publish(e event.Event) event.Event
}

// KindSchema validates the payload of one event kind. A nil error accepts the
// payload.
type KindSchema func(payload map[string]any) error

// Config configures a Gateway. Zero values take defaults.
type Config struct {
	Publisher       Publisher
	Registry        *jobs.Registry
	MaxPayloadBytes int
	EventsPerSecond float64
	Burst           int
	LimiterTTL      time.Duration

	// Strict rejects event kinds that have no registered schema. When false
	// unknown kinds pass with only the size ceiling applied.
	Strict bool

	Logger *slog.Logger
}

// EventRequest is an inbound event submission before validation.
type EventRequest struct {
	Kind    string         `json:"kind"`
	JobID   string         `json:"job_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// JobRequest is an inbound job submission before validation.
type JobRequest struct {
	Topic          string   `json:"topic"`
	Steps          []string `json:"steps"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// Gateway is the validated, rate-limited ingest front for events and jobs.
type Gateway struct {
	pub      Publisher
	registry *jobs.Registry
	cfg      Config
	logger   *slog.Logger
	limiters *ttlcache.Cache[string, *rate.Limiter]

	schemaMu sync.RWMutex
	schemas  map[event.Kind]KindSchema
}

// New creates a Gateway and starts its limiter cache janitor.
func New(cfg Config) *Gateway {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = DefaultEventsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.LimiterTTL <= 0 {
		cfg.LimiterTTL = DefaultLimiterTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Gateway{
		pub:      cfg.Publisher,
		registry: cfg.Registry,
		cfg:      cfg,
		logger:   cfg.Logger,
		limiters: ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](cfg.LimiterTTL),
		),
		schemas: make(map[event.Kind]KindSchema),
	}
	go g.limiters.Start()
	return g
}

// Close stops the limiter cache janitor.
func (g *Gateway) Close() error {
	g.limiters.Stop()
	return nil
}

// RegisterKindSchema installs a payload validator for one event kind.
// Registering nil removes the kind's schema.
func (g *Gateway) RegisterKindSchema(kind event.Kind, schema KindSchema) {
	g.schemaMu.Lock()
	defer g.schemaMu.Unlock()
	if schema == nil {
		delete(g.schemas, kind)
		return
	}
	g.schemas[kind] = schema
}

// RequireFields returns a KindSchema that accepts payloads containing every
// named field.
func RequireFields(fields ...string) KindSchema {
	return func(payload map[string]any) error {
		for _, f := range fields {
			if _, ok := payload[f]; !ok {
				return fmt.Errorf("missing field %q", f)
			}
		}
		return nil
	}
}

// checkSchema applies the kind's registered schema, if any. In strict mode
// kinds without a schema are rejected.
func (g *Gateway) checkSchema(kind event.Kind, payload map[string]any) error {
	g.schemaMu.RLock()
	schema, ok := g.schemas[kind]
	g.schemaMu.RUnlock()

	if !ok {
		if g.cfg.Strict {
			return &ValidationError{
				Field:  "kind",
				Reason: fmt.Sprintf("unknown kind %q (strict mode)", kind),
			}
		}
		return nil
	}
	if err := schema(payload); err != nil {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

// SubmitEvent validates a submission, applies the topic's rate limit and
// publishes it. The returned event carries the assigned sequence number.
func (g *Gateway) SubmitEvent(ctx context.Context, topic string, req EventRequest) (event.Event, error) {
	if err := ValidateTopic(topic); err != nil {
		return event.Event{}, err
	}
	if req.Kind == "" {
		return event.Event{}, &ValidationError{Field: "kind", Reason: "must not be empty"}
	}
	if event.Kind(req.Kind).System() {
		return event.Event{}, &ValidationError{
			Field:  "kind",
			Reason: fmt.Sprintf("%q is reserved for broker-generated events", req.Kind),
		}
	}
	if err := g.checkSchema(event.Kind(req.Kind), req.Payload); err != nil {
		return event.Event{}, err
	}
	if len(req.Payload) > 0 {
		enc, err := json.Marshal(req.Payload)
		if err != nil {
			return event.Event{}, &ValidationError{Field: "payload", Reason: "not JSON-encodable"}
		}
		if len(enc) > g.cfg.MaxPayloadBytes {
			return event.Event{}, &ValidationError{
				Field:  "payload",
				Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(enc), g.cfg.MaxPayloadBytes),
			}
		}
	}

	if !g.limiter(topic).Allow() {
		g.logger.Warn("ingest rate limit exceeded", "topic", topic)
		return event.Event{}, &RateLimitError{Topic: topic}
	}

	e := event.New(topic, event.Kind(req.Kind)).WithJob(req.JobID)
	e.Payload = req.Payload
	published := g.pub.Publish(e)

	g.logger.Debug("event accepted",
		"topic", topic,
		"kind", req.Kind,
		"seq", published.Seq,
	)
	return published, nil
}

// SubmitJob validates a job submission and creates it in the registry.
func (g *Gateway) SubmitJob(ctx context.Context, req JobRequest) (jobs.Job, error) {
	if err := ValidateTopic(req.Topic); err != nil {
		return jobs.Job{}, err
	}
	if len(req.Steps) == 0 {
		return jobs.Job{}, &ValidationError{Field: "steps", Reason: "at least one step is required"}
	}
	for i, step := range req.Steps {
		if step == "" {
			return jobs.Job{}, &ValidationError{
				Field:  "steps",
				Reason: fmt.Sprintf("step %d must not be empty", i),
			}
		}
	}
	return g.registry.Create(ctx, req.Topic, req.Steps, req.IdempotencyKey)
}

// ValidateTopic checks a topic name against the allowed grammar: lowercase
// alphanumerics plus dot, underscore and hyphen, up to 128 characters.
func ValidateTopic(topic string) error {
	if topic == "" {
		return &ValidationError{Field: "topic", Reason: "must not be empty"}
	}
	if !topicPattern.MatchString(topic) {
		return &ValidationError{
			Field:  "topic",
			Reason: "must match [a-z0-9][a-z0-9._-]{0,127}",
		}
	}
	return nil
}

// limiter returns the topic's rate limiter, creating it on first use. The
// TTL cache evicts limiters for topics that have gone quiet.
func (g *Gateway) limiter(topic string) *rate.Limiter {
	if item := g.limiters.Get(topic); item != nil {
		return item.Value()
	}
	lim := rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.Burst)
	g.limiters.Set(topic, lim, ttlcache.DefaultTTL)
	return lim
}
