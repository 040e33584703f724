package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/postgres"
)

// DefaultQueue is the queue group shared by every warden instance, so each
// detection is processed once.
const DefaultQueue = "warden"

// Processor is the pipeline entry point detections are handed to.
type Processor interface {
	Process(ctx context.Context, ev *alerting.DetectionEvent) (*alerting.Outcome, error)
}

// Reply is sent back when a detection arrives as a NATS request.
type Reply struct {
	AlertID    string `json:"alert_id,omitempty"`
	Created    bool   `json:"created"`
	Suppressed bool   `json:"suppressed"`
	Error      string `json:"error,omitempty"`
}

// Subscriber consumes detection events from a NATS subject.
type Subscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	queue   string
	proc    Processor
	logger  log.Logger
	timeout time.Duration
}

// NewSubscriber creates a subscriber. It does not subscribe until Start.
func NewSubscriber(conn *nats.Conn, subject string, proc Processor, logger log.Logger) *Subscriber {
	if proc == nil {
		panic(xerrors.New("eventbus: processor is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Subscriber{
		conn:    conn,
		subject: subject,
		queue:   DefaultQueue,
		proc:    proc,
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Start subscribes to the detection subject in the shared queue group.
func (s *Subscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, s.queue, s.onMsg)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info(context.Background(), "subscribed to detections", "subject", s.subject, "queue", s.queue)
	return nil
}

func (s *Subscriber) onMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply := s.handle(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error(ctx, err, "failed to encode detection reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn(ctx, "failed to reply to detection request", "err", err)
	}
}

// handle decodes and processes one detection payload. Malformed and invalid
// events are logged and dropped; redelivery would not fix them.
func (s *Subscriber) handle(ctx context.Context, data []byte) Reply {
	ctx = postgres.WithOperation(ctx, "nats.ingest")

	var ev alerting.DetectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn(ctx, "dropping malformed detection", "subject", s.subject, "bytes", len(data), "err", err)
		return Reply{Error: "malformed detection: " + err.Error()}
	}

	out, err := s.proc.Process(ctx, &ev)
	if err != nil {
		if alerting.IsValidation(err) {
			s.logger.Warn(ctx, "dropping invalid detection", "event_id", ev.ID, "err", err)
			return Reply{Error: err.Error()}
		}
		s.logger.Error(ctx, err, "detection processing failed", "event_id", ev.ID)
		return Reply{Error: "processing failed"}
	}
	return Reply{
		AlertID:    out.Alert.ID,
		Created:    out.Created,
		Suppressed: out.Suppressed,
	}
}

// Drain stops delivery after in-flight messages are handled.
func (s *Subscriber) Drain() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// IsConnected reports whether the underlying connection is up.
func (s *Subscriber) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}
