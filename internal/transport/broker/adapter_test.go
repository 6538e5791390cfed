package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/latency"
)

type fakePublisher struct {
	published []fakePublish
	err       error
}

type fakePublish struct {
	topic string
	body  []byte
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, fakePublish{topic: topic, body: body})
	return nil
}

func evaluatorAdapter(pub publisher) *Adapter {
	return &Adapter{
		tracker: latency.NewTracker(),
		pub:     pub,
		userID:  "eva",
		role:    domain.RoleEvaluator,
	}
}

func clientAdapter(pub publisher) *Adapter {
	return &Adapter{
		tracker: latency.NewTracker(),
		pub:     pub,
		userID:  "cli",
		role:    domain.RoleClient,
	}
}

func TestTopicScheme(t *testing.T) {
	assert.Equal(t, "elicit.clients.cli.start", startTopic("cli"))
	assert.Equal(t, "elicit.clients.cli.image", imageTopic("cli"))
	assert.Equal(t, "elicit.clients.cli.end", endTopic("cli"))
	assert.Equal(t, "elicit.acks.eva", ackTopic("eva"))
}

// StartSession is a pure publish: it resolves without any reply from
// the client side.
func TestStartSessionIsOptimistic(t *testing.T) {
	pub := &fakePublisher{}
	a := evaluatorAdapter(pub)

	started := false
	a.OnSessionStart(func(domain.Session) { started = true })

	require.NoError(t, a.StartSession(context.Background(), "cli"))

	require.Len(t, pub.published, 1)
	assert.Equal(t, "elicit.clients.cli.start", pub.published[0].topic)
	assert.True(t, started)

	var msg startMessage
	require.NoError(t, json.Unmarshal(pub.published[0].body, &msg))
	assert.NotEmpty(t, msg.SessionID)
	assert.Equal(t, domain.UserID("eva"), msg.EvaluatorID)
}

func TestSendImageCountsExactlyOneOutcome(t *testing.T) {
	pub := &fakePublisher{}
	a := evaluatorAdapter(pub)
	require.NoError(t, a.StartSession(context.Background(), "cli"))

	a.SendImageUpdate(context.Background(), 0, "img/0.png", "https://cdn/0?sig")
	m := a.Metrics()
	assert.Equal(t, 1, m.SuccessfulMessages)
	assert.Equal(t, 0, m.FailedMessages)

	pub.err = assert.AnError
	a.SendImageUpdate(context.Background(), 1, "img/1.png", "")
	m = a.Metrics()
	assert.Equal(t, 1, m.SuccessfulMessages)
	assert.Equal(t, 1, m.FailedMessages)
}

func TestClientImageDeliveryEmitsAndAcks(t *testing.T) {
	pub := &fakePublisher{}
	a := clientAdapter(pub)

	var got []domain.ImageUpdate
	a.OnImageUpdate(func(u domain.ImageUpdate) { got = append(got, u) })

	body, _ := json.Marshal(imageMessage{
		EvaluatorID: "eva",
		ImageIndex:  3,
		ImageURL:    "img/3.png",
		SignedURL:   "https://cdn/3?sig",
		SentAt:      1000,
	})
	a.handleDelivery(amqp.Delivery{RoutingKey: imageTopic("cli"), Body: body})

	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].ImageIndex)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "elicit.acks.eva", pub.published[0].topic)
	var ack ackMessage
	require.NoError(t, json.Unmarshal(pub.published[0].body, &ack))
	assert.Equal(t, int64(1000), ack.SentAt)
	assert.GreaterOrEqual(t, ack.ReceivedAt, ack.SentAt)
}

// The transport passes duplicates through untouched; idempotence lives
// in the capture machine.
func TestDuplicateDeliveriesPassThrough(t *testing.T) {
	a := clientAdapter(&fakePublisher{})
	count := 0
	a.OnImageUpdate(func(domain.ImageUpdate) { count++ })

	body, _ := json.Marshal(imageMessage{EvaluatorID: "eva", ImageIndex: 1, SentAt: 1})
	a.handleDelivery(amqp.Delivery{RoutingKey: imageTopic("cli"), Body: body})
	a.handleDelivery(amqp.Delivery{RoutingKey: imageTopic("cli"), Body: body})

	assert.Equal(t, 2, count)
}

func TestAckDeliveryFeedsTracker(t *testing.T) {
	a := evaluatorAdapter(&fakePublisher{})
	body, _ := json.Marshal(ackMessage{SentAt: 100, ReceivedAt: 140})
	a.handleDelivery(amqp.Delivery{RoutingKey: ackTopic("eva"), Body: body})

	m := a.Metrics()
	require.Equal(t, 1, m.SampleCount)
	assert.Equal(t, 40.0, m.LastMs)
}

func TestMalformedPayloadCountsFailure(t *testing.T) {
	a := clientAdapter(&fakePublisher{})
	a.handleDelivery(amqp.Delivery{RoutingKey: imageTopic("cli"), Body: []byte("{not json")})
	assert.Equal(t, 1, a.Metrics().FailedMessages)
}

func TestEndDeliveryClearsSessionAndEmits(t *testing.T) {
	a := clientAdapter(&fakePublisher{})
	ended := false
	a.OnSessionEnd(func() { ended = true })

	start, _ := json.Marshal(startMessage{SessionID: "s1", EvaluatorID: "eva", ClientID: "cli"})
	a.handleDelivery(amqp.Delivery{RoutingKey: startTopic("cli"), Body: start})
	a.handleDelivery(amqp.Delivery{RoutingKey: endTopic("cli"), Body: []byte(`{}`)})

	assert.True(t, ended)
	a.mu.Lock()
	assert.Nil(t, a.session)
	a.mu.Unlock()
}
