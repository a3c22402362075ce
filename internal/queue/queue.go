// Package queue is the serialized execution queue every billing-affecting write
// goes through.
//
// Messages are grouped into lanes by ordering key. A lane is delivered in FIFO
// order to at most one consumer at a time, so a handler never races another
// handler for the same key. Lanes are independent: a slow or failing lane does
// not hold up the others. Messages whose dedup key was already seen within the
// retention window are dropped at enqueue time.
//
// Two backends exist:
//
//   - memory: in-process lanes, nothing survives a restart. Used for local
//     development and tests.
//   - redis: lanes are Redis lists driven by Lua scripts, so several processes
//     can share one queue. A lane claimed by a worker that died is handed out
//     again once its lease runs out.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"go.uber.org/zap"
)

// Message is one unit of work inside a lane.
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	OrderingKey string          `json:"ordering_key"`
	DedupKey    string          `json:"dedup_key"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`

	// raw is the encoded form the backend stored and token the claim it was
	// handed out under. Both are used to match acks.
	raw   string
	token string
}

// DeadLetter is a message the consumer gave up on.
type DeadLetter struct {
	Message  Message   `json:"message"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// Backend stores lanes. Claim hands out the head of a lane and keeps the lane
// busy until Ack or Release.
type Backend interface {
	Name() string
	// Push appends msg to its lane. It reports false when the dedup key was
	// already seen within window.
	Push(ctx context.Context, msg Message, window time.Duration) (bool, error)
	// Claim blocks until a lane with work is idle, or ctx is done.
	Claim(ctx context.Context) (Message, error)
	// Extend keeps a claimed lane busy for another lease.
	Extend(ctx context.Context, msg Message) error
	// Ack drops msg from the head of its lane and frees the lane.
	Ack(ctx context.Context, msg Message) error
	// Release frees the lane leaving msg at its head for redelivery.
	Release(ctx context.Context, msg Message) error
	DeadLetter(ctx context.Context, dl DeadLetter) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Recoverer is implemented by backends whose claimed lanes can be orphaned by
// a crashed worker.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

var (
	ErrClosed             = errs.New(errs.KindConflict, "queue_closed", "queue is closed")
	ErrInvalidOrderingKey = errs.New(errs.KindBadInput, "invalid_ordering_key", "ordering key is required")
	ErrInvalidTopic       = errs.New(errs.KindBadInput, "invalid_topic", "topic is required")
	ErrMalformedPayload   = errs.New(errs.KindBadInput, "malformed_payload", "payload could not be decoded")
	ErrNoHandler          = errs.New(errs.KindNotFound, "no_handler", "no handler for topic")
)

// Queue is the producer side of one named queue.
type Queue struct {
	name    string
	backend Backend
	window  time.Duration
	log     *zap.Logger
	metrics *obsmetrics.Metrics
	now     func() time.Time
}

func New(name string, backend Backend, window time.Duration, log *zap.Logger, metrics *obsmetrics.Metrics) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		name:    name,
		backend: backend,
		window:  window,
		log:     log.Named("queue." + name),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Backend() Backend { return q.backend }

// Enqueue appends payload to the lane of orderingKey. An empty dedupKey falls
// back to a hash of the topic, key and payload. It reports false when the
// message was dropped as a duplicate.
func (q *Queue) Enqueue(ctx context.Context, orderingKey, dedupKey, topic string, payload any) (bool, error) {
	orderingKey = strings.TrimSpace(orderingKey)
	if orderingKey == "" {
		return false, ErrInvalidOrderingKey
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return false, ErrInvalidTopic
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, errs.Wrap(errs.KindBadInput, "malformed_payload", err)
	}
	if strings.TrimSpace(dedupKey) == "" {
		dedupKey = DedupKey(topic, orderingKey, string(body))
	}

	msg := Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		OrderingKey: orderingKey,
		DedupKey:    dedupKey,
		Payload:     body,
		EnqueuedAt:  q.now(),
	}
	accepted, err := q.backend.Push(ctx, msg, q.window)
	if err != nil {
		return false, err
	}
	q.metrics.RecordEnqueue(q.name, topic, accepted)
	if !accepted {
		q.log.Debug("duplicate message dropped",
			zap.String("topic", topic),
			zap.String("ordering_key", orderingKey),
			zap.String("dedup_key", dedupKey),
		)
	}
	return accepted, nil
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	return q.backend.DeadLetters(ctx, limit)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.backend.Len(ctx)
}

func (q *Queue) Close() error {
	return q.backend.Close()
}
