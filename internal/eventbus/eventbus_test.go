package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/alerting/memstore"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.msgs == nil {
		c.msgs = make(map[string][][]byte)
	}
	c.msgs[subject] = append(c.msgs[subject], data)
	return nil
}

type stubProcessor struct {
	got *alerting.DetectionEvent
	out *alerting.Outcome
	err error
}

func (p *stubProcessor) Process(_ context.Context, ev *alerting.DetectionEvent) (*alerting.Outcome, error) {
	p.got = ev
	return p.out, p.err
}

func TestPublisher_Subjects(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	p := NewPublisher(conn, "", log.Nop())

	al := &alerting.Alert{ID: "01HX", Severity: alerting.SeverityCritical, Status: alerting.StatusActive}
	require.NoError(t, p.PublishAlert(context.Background(), &alerting.AlertEvent{Kind: alerting.AlertCreated, Alert: al}))
	require.NoError(t, p.PublishAlert(context.Background(), &alerting.AlertEvent{Kind: alerting.AlertStatusChanged, Alert: al}))
	require.NoError(t, p.PublishEscalation(context.Background(), &alerting.Escalation{Current: 900, Threshold: 100}))

	assert.Len(t, conn.msgs["warden.alerts.created"], 1)
	assert.Len(t, conn.msgs["warden.alerts.status_changed"], 1)
	require.Len(t, conn.msgs["warden.alerts.escalation"], 1)

	var ev alerting.AlertEvent
	require.NoError(t, json.Unmarshal(conn.msgs["warden.alerts.created"][0], &ev))
	assert.Equal(t, alerting.AlertCreated, ev.Kind)
	assert.Equal(t, "01HX", ev.Alert.ID)

	var esc alerting.Escalation
	require.NoError(t, json.Unmarshal(conn.msgs["warden.alerts.escalation"][0], &esc))
	assert.Equal(t, int64(900), esc.Current)
}

func TestPublisher_CustomPrefix(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	p := NewPublisher(conn, "finance.alerts", nil)
	al := &alerting.Alert{ID: "a"}
	require.NoError(t, p.PublishAlert(context.Background(), &alerting.AlertEvent{Kind: alerting.AlertUpdated, Alert: al}))
	assert.Len(t, conn.msgs["finance.alerts.updated"], 1)
}

func TestPublisher_ConnError(t *testing.T) {
	t.Parallel()

	p := NewPublisher(&fakeConn{err: nats.ErrConnectionClosed}, "", nil)
	err := p.PublishAlert(context.Background(), &alerting.AlertEvent{Kind: alerting.AlertCreated, Alert: &alerting.Alert{ID: "a"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.Contains(t, err.Error(), "warden.alerts.created")
}

func TestNewSubscriber_NilProcessorPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewSubscriber(nil, "detections", nil, nil) })
}

func TestSubscriber_Handle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		proc      *stubProcessor
		want      Reply
		wantCalls bool
	}{
		{
			name:      "created",
			data:      `{"id":"ev-1","property_id":3,"metric_or_account":"noi","anomaly_family":"trend","severity":"warning"}`,
			proc:      &stubProcessor{out: &alerting.Outcome{Alert: &alerting.Alert{ID: "al-1"}, Created: true}},
			want:      Reply{AlertID: "al-1", Created: true},
			wantCalls: true,
		},
		{
			name:      "suppressed",
			data:      `{"id":"ev-2","property_id":3}`,
			proc:      &stubProcessor{out: &alerting.Outcome{Alert: &alerting.Alert{ID: "al-2"}, Suppressed: true}},
			want:      Reply{AlertID: "al-2", Suppressed: true},
			wantCalls: true,
		},
		{
			name: "malformed",
			data: `{"id":`,
			proc: &stubProcessor{},
		},
		{
			name:      "invalid",
			data:      `{"id":"ev-3"}`,
			proc:      &stubProcessor{err: &alerting.ValidationError{Field: "property_id", Reason: "must be positive"}},
			want:      Reply{Error: "invalid property_id: must be positive"},
			wantCalls: true,
		},
		{
			name:      "store down",
			data:      `{"id":"ev-4"}`,
			proc:      &stubProcessor{err: alerting.ErrUpstreamUnavailable},
			want:      Reply{Error: "processing failed"},
			wantCalls: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewSubscriber(nil, "detections", tt.proc, log.Nop())
			got := s.handle(context.Background(), []byte(tt.data))

			if !tt.wantCalls {
				assert.Nil(t, tt.proc.got)
				assert.Contains(t, got.Error, "malformed detection")
				return
			}
			require.NotNil(t, tt.proc.got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubscriber_DrainBeforeStart(t *testing.T) {
	t.Parallel()

	s := NewSubscriber(nil, "detections", &stubProcessor{}, nil)
	assert.NoError(t, s.Drain())
	assert.False(t, s.IsConnected())
}

func TestRoundTrip_NATS(t *testing.T) {
	url := os.Getenv("WARDEN_TEST_NATS_URL")
	if url == "" {
		t.Skip("WARDEN_TEST_NATS_URL not set, skipping integration test")
	}

	conn, err := Connect(url, "warden-test", log.Nop())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	subject := "warden.test.detections." + time.Now().Format("150405.000000")
	pubPrefix := subject + ".out"

	out := make(chan *nats.Msg, 4)
	watch, err := conn.ChanSubscribe(pubPrefix+".>", out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watch.Unsubscribe() })

	svc := alerting.NewService(memstore.New(), alerting.Options{
		Publisher: NewPublisher(conn, pubPrefix, nil),
		Logger:    log.Nop(),
	})
	sub := NewSubscriber(conn, subject, svc, log.Nop())
	require.NoError(t, sub.Start())
	t.Cleanup(func() { _ = sub.Drain() })

	ev := `{"id":"ev-1","property_id":3,"metric_or_account":"noi","anomaly_family":"trend","severity":"critical","confidence":0.8}`
	msg, err := conn.Request(subject, []byte(ev), 5*time.Second)
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.True(t, reply.Created)
	assert.NotEmpty(t, reply.AlertID)

	select {
	case m := <-out:
		assert.Equal(t, pubPrefix+".created", m.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("no alert event published")
	}
}

var _ alerting.Publisher = (*Publisher)(nil)

var errBoom = errors.New("boom")

func TestPublisher_EscalationError(t *testing.T) {
	t.Parallel()

	p := NewPublisher(&fakeConn{err: errBoom}, "", nil)
	assert.ErrorIs(t, p.PublishEscalation(context.Background(), &alerting.Escalation{}), errBoom)
}
