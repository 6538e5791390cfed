// Package broker implements the session protocol over an AMQP topic
// exchange. No server sits in the data path: the evaluator publishes
// straight to the client's topics and the client acks back on the
// evaluator's. Delivery is at-least-once, so duplicates and reordering
// are legal and left to the consumer to absorb.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/mwickert/elicit/internal/core"
	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/latency"
	"github.com/mwickert/elicit/internal/transport/relaysock"
	"github.com/mwickert/elicit/internal/wire"
)

const Package = "broker"

// publisher is the one seam between the adapter and amqp, kept narrow
// so the session logic is testable without a broker.
type publisher interface {
	Publish(topic string, body []byte) error
}

type amqpPublisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

func (p *amqpPublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish(Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

type Adapter struct {
	url      string
	relayURL string

	// HeartbeatPeriod, when set before Connect, drives the presence
	// announcements clients make at the relay. Session traffic never
	// touches the relay on this transport.
	HeartbeatPeriod time.Duration

	tracker *latency.Tracker
	cbs     core.Callbacks

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      publisher
	presence *relaysock.Client
	userID   domain.UserID
	role     domain.Role
	session  *domain.Session
	done     chan struct{}
}

func New(url, relayURL string) *Adapter {
	return &Adapter{url: url, relayURL: relayURL, tracker: latency.NewTracker()}
}

func (a *Adapter) Connect(ctx context.Context, userID domain.UserID, role domain.Role) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		a.Disconnect(ctx)
		a.mu.Lock()
	}
	a.userID = userID
	a.role = role
	a.mu.Unlock()

	a.tracker.Reset()
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return &core.ConnectError{Transport: Package, Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &core.ConnectError{Transport: Package, Err: err}
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return &core.ConnectError{Transport: Package, Err: err}
	}

	deliveries, err := a.bindQueue(ch, userID, role)
	if err != nil {
		_ = conn.Close()
		return &core.ConnectError{Transport: Package, Err: err}
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.conn = conn
	a.pub = &amqpPublisher{ch: ch}
	a.done = done
	a.mu.Unlock()

	go a.consumeLoop(deliveries, done)
	if role == domain.RoleClient {
		a.announcePresence(ctx)
	}
	log.Info().Str("module", "broker").Str("user", string(userID)).Str("role", string(role)).Msg("connected")
	return nil
}

// announcePresence keeps a registration plus heartbeat alive at the
// relay so the availability query lists this client. Best effort: a
// dead relay does not block broker sessions.
func (a *Adapter) announcePresence(ctx context.Context) {
	a.mu.Lock()
	userID, role := a.userID, a.role
	a.mu.Unlock()

	if a.relayURL == "" {
		return
	}
	reg := wire.Register{UserID: userID, Role: string(role), Package: Package}
	sock, err := relaysock.Dial(ctx, a.relayURL, reg, func(wire.EventType, []byte) {
		// Presence-only socket; the relay carries no session traffic
		// for this transport.
	}, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "broker").Msg("presence announce failed")
		return
	}
	sock.StartHeartbeat(a.HeartbeatPeriod)

	a.mu.Lock()
	a.presence = sock
	a.mu.Unlock()
}

// bindQueue declares this party's private queue and binds its topics:
// the client listens on its start/image/end triplet, the evaluator on
// its ack topic. Manual acks give at-least-once consumption.
func (a *Adapter) bindQueue(ch *amqp.Channel, userID domain.UserID, role domain.Role) (<-chan amqp.Delivery, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}

	var topics []string
	if role == domain.RoleClient {
		topics = []string{startTopic(userID), imageTopic(userID), endTopic(userID)}
	} else {
		topics = []string{ackTopic(userID)}
	}
	for _, topic := range topics {
		if err := ch.QueueBind(q.Name, topic, Exchange, false, nil); err != nil {
			return nil, err
		}
	}
	return ch.Consume(q.Name, "", false, true, false, false, nil)
}

func (a *Adapter) Disconnect(_ context.Context) {
	a.mu.Lock()
	conn := a.conn
	done := a.done
	presence := a.presence
	a.conn = nil
	a.pub = nil
	a.presence = nil
	a.session = nil
	a.done = nil
	a.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if presence != nil {
		presence.Close()
	}
	a.cbs.Clear()
}

// StartSession publishes to the client's start topic and resolves
// immediately: the broker layer has no observable handshake round
// trip, so confirmation is optimistic by design.
func (a *Adapter) StartSession(_ context.Context, clientID domain.UserID) error {
	a.mu.Lock()
	pub := a.pub
	if pub == nil {
		a.mu.Unlock()
		return core.ErrNotConnected
	}
	if a.role != domain.RoleEvaluator {
		a.mu.Unlock()
		return core.ErrEvaluatorOnly
	}
	sess := domain.NewSession(a.userID, clientID)
	a.session = sess
	a.mu.Unlock()

	body, _ := json.Marshal(startMessage{
		SessionID:   sess.ID,
		EvaluatorID: sess.EvaluatorID,
		ClientID:    sess.ClientID,
	})
	if err := pub.Publish(startTopic(clientID), body); err != nil {
		a.tracker.Failure()
		log.Error().Err(err).Str("module", "broker").Msg("start publish failed")
		return nil
	}

	a.cbs.EmitSessionStart(*sess)
	return nil
}

func (a *Adapter) SendImageUpdate(_ context.Context, imageIndex int, imageURL, signedURL string) {
	a.mu.Lock()
	pub, sess := a.pub, a.session
	a.mu.Unlock()
	if pub == nil || sess == nil {
		a.tracker.Failure()
		return
	}

	body, _ := json.Marshal(imageMessage{
		EvaluatorID: sess.EvaluatorID,
		ImageIndex:  imageIndex,
		ImageURL:    imageURL,
		SignedURL:   signedURL,
		SentAt:      time.Now().UnixMilli(),
	})
	if err := pub.Publish(imageTopic(sess.ClientID), body); err != nil {
		log.Warn().Err(err).Str("module", "broker").Int("image", imageIndex).Msg("image publish failed")
		a.tracker.Failure()
		return
	}
	a.tracker.Success()
}

func (a *Adapter) EndSession(_ context.Context) {
	a.mu.Lock()
	pub, sess := a.pub, a.session
	a.session = nil
	a.mu.Unlock()

	if pub != nil && sess != nil {
		body, _ := json.Marshal(endMessage{SessionID: sess.ID})
		if err := pub.Publish(endTopic(sess.ClientID), body); err != nil {
			log.Warn().Err(err).Str("module", "broker").Msg("end publish failed")
		}
	}
	a.cbs.EmitSessionEnd()
}

func (a *Adapter) OnImageUpdate(fn func(domain.ImageUpdate)) { a.cbs.SetImageUpdate(fn) }
func (a *Adapter) OnSessionStart(fn func(domain.Session))    { a.cbs.SetSessionStart(fn) }
func (a *Adapter) OnSessionEnd(fn func())                    { a.cbs.SetSessionEnd(fn) }
func (a *Adapter) Metrics() latency.Snapshot                 { return a.tracker.Snapshot() }

func (a *Adapter) consumeLoop(deliveries <-chan amqp.Delivery, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Warn().Str("module", "broker").Msg("delivery channel closed")
				return
			}
			a.handleDelivery(d)
			if err := d.Ack(false); err != nil {
				log.Warn().Err(err).Str("module", "broker").Msg("delivery ack failed")
			}
		}
	}
}

func (a *Adapter) handleDelivery(d amqp.Delivery) {
	switch {
	case d.RoutingKey == startTopic(a.userID):
		a.handleStart(d.Body)
	case d.RoutingKey == imageTopic(a.userID):
		a.handleImage(d.Body)
	case d.RoutingKey == endTopic(a.userID):
		a.mu.Lock()
		a.session = nil
		a.mu.Unlock()
		a.cbs.EmitSessionEnd()
	case d.RoutingKey == ackTopic(a.userID):
		a.handleAck(d.Body)
	default:
		log.Warn().Str("module", "broker").Str("topic", d.RoutingKey).Msg("unexpected routing key")
	}
}

func (a *Adapter) handleStart(body []byte) {
	var p startMessage
	if err := json.Unmarshal(body, &p); err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("bad start message")
		a.tracker.Failure()
		return
	}
	sess := domain.Session{
		ID:          p.SessionID,
		EvaluatorID: p.EvaluatorID,
		ClientID:    p.ClientID,
		StartedAt:   time.Now(),
	}
	a.mu.Lock()
	a.session = &sess
	a.mu.Unlock()
	a.cbs.EmitSessionStart(sess)
}

func (a *Adapter) handleImage(body []byte) {
	var p imageMessage
	if err := json.Unmarshal(body, &p); err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("bad image message")
		a.tracker.Failure()
		return
	}
	a.tracker.Success()
	a.cbs.EmitImageUpdate(domain.ImageUpdate{
		ImageIndex: p.ImageIndex,
		ImageURL:   p.ImageURL,
		SignedURL:  p.SignedURL,
		SentAt:     p.SentAt,
	})

	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return
	}
	ack, _ := json.Marshal(ackMessage{SentAt: p.SentAt, ReceivedAt: time.Now().UnixMilli()})
	if err := pub.Publish(ackTopic(p.EvaluatorID), ack); err != nil {
		log.Warn().Err(err).Str("module", "broker").Msg("ack publish failed")
	}
}

func (a *Adapter) handleAck(body []byte) {
	var p ackMessage
	if err := json.Unmarshal(body, &p); err != nil {
		log.Error().Err(err).Str("module", "broker").Msg("bad ack message")
		a.tracker.Failure()
		return
	}
	a.tracker.Sample(p.SentAt, p.ReceivedAt)
}
