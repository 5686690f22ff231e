package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-realtime/internal/broker"
	"github.com/example/ride-realtime/internal/models"
)

func TestHTTPProviderSendsBearerAndReturnsRef(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"sms-42","status":"queued"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret")
	res, err := p.SendSMS(context.Background(), "+15550100", "help")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sms-42", res.ProviderRef)
	assert.Equal(t, "+15550100", got["to"])
}

func TestHTTPProviderFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider(srv.URL, "").SendPush(context.Background(), "tok", "SOS", "help")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestRouterWithoutSenderIsNotConfigured(t *testing.T) {
	r := &Router{}
	_, err := r.SendSMS(context.Background(), "1", "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = r.SendOperationsEvent(context.Background(), OperationsEvent{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaOperationsKeysByAlert(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaOperations{w: w, topic: "sos-operations"}
	ev := NewOperationsEvent(models.SOSAlert{AlertID: "a1", UserID: "u1", Location: models.Coord{Lat: 1, Lng: 2}}, nil)
	res, err := k.SendOperationsEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "sos-operations/a1", res.ProviderRef)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "a1", string(w.msgs[0].Key))
}

func TestKafkaEscalatorWritesTask(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaEscalator{w: w}
	require.NoError(t, k.Escalate(context.Background(), models.SOSAlert{AlertID: "a1"}, models.NotificationTask{TaskID: "a1/ops", Attempts: 3}))
	var esc Escalation
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &esc))
	assert.Equal(t, 3, esc.Task.Attempts)
}

func TestBrokerOperationsPublishesOnChannel(t *testing.T) {
	ctx := context.Background()
	hub := broker.NewMemoryHub()
	b := hub.NewBroker()
	listener := hub.NewBroker()
	require.NoError(t, listener.Subscribe(ctx, OperationsChannel))

	got := make(chan string, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go listener.Run(runCtx, func(channel string, payload []byte) { got <- string(payload) })

	_, err := NewBrokerOperations(b).SendOperationsEvent(ctx, OperationsEvent{AlertID: "a7"})
	require.NoError(t, err)
	assert.Contains(t, <-got, `"alert_id":"a7"`)
}
