// Package mqtt implements the MQTT transport driver, built on
// eclipse/paho.mqtt.golang. Reconnection and subscription restoration are
// driven manually rather than via the library's built-in auto-reconnect,
// since fatal CONNACK codes (stop retrying) need to be distinguished from
// transient ones (keep retrying), a distinction the library's own
// AutoReconnect loop does not make.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baechuer/clustercontroller/internal/logger"
	"github.com/baechuer/clustercontroller/internal/message"
	"github.com/baechuer/clustercontroller/internal/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ErrBrokerUnavailable marks a transient CONNACK code (3): the caller
// should keep retrying.
var ErrBrokerUnavailable = errors.New("mqtt: broker unavailable")

// Config carries the MQTT driver's tunables.
type Config struct {
	BrokerURL      string
	ClientID       string
	OwnChannelID   string
	PriorityLabel  string
	KeepAlive      time.Duration
	ReconnectSleep time.Duration
	QoS            byte
	Retain         bool
	PublishTimeout time.Duration
}

// Driver implements transport.Driver over an MQTT broker connection.
type Driver struct {
	log        zerolog.Logger
	cfg        Config
	codec      message.Codec
	dispatcher transport.Dispatcher

	client paho.Client

	// additionalTopics is guarded by mu. Subscribe paths could re-enter
	// during reconnect, so restoreSubscriptions copies the topic set and
	// releases mu before calling back into the client, keeping a plain
	// Mutex safe here instead of a recursive one.
	mu               sync.Mutex
	additionalTopics map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log zerolog.Logger, cfg Config, codec message.Codec, dispatcher transport.Dispatcher) *Driver {
	return &Driver{
		log:              log.With().Str("component", "mqtt").Logger(),
		cfg:              cfg,
		codec:            codec,
		dispatcher:       dispatcher,
		additionalTopics: make(map[string]struct{}),
		done:             make(chan struct{}),
	}
}

func (d *Driver) primaryTopic() string {
	return fmt.Sprintf("%s/%s/#", d.cfg.OwnChannelID, d.cfg.PriorityLabel)
}

// SendTopic builds the publish topic for a message addressed to
// toParticipantID.
func SendTopic(channelID, priority, toParticipantID string) string {
	return channelID + "/" + priority + "/" + toParticipantID
}

func (d *Driver) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	opts := paho.NewClientOptions().
		AddBroker(d.cfg.BrokerURL).
		SetClientID(d.cfg.ClientID).
		SetKeepAlive(d.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetCleanSession(false).
		SetConnectionLostHandler(d.onConnectionLost).
		SetDefaultPublishHandler(d.onUnroutedMessage)

	d.client = paho.NewClient(opts)

	if err := d.connectOnce(); err != nil {
		return err
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(250)
	}
	close(d.done)
	return nil
}

// connectOnce performs a single connect attempt, classifying the CONNACK
// result per classifyConnectError's fatal/transient taxonomy. Any error
// leaves the driver disconnected: the reconnect loop retries transient
// ones, while Start returns the error to its caller without retrying.
func (d *Driver) connectOnce() error {
	token := d.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return classifyConnectError(err)
	}
	d.restoreSubscriptions()
	return nil
}

// onConnectionLost starts the reconnect loop, which retries transient
// failures every ReconnectSleep until it succeeds or the driver is
// stopped. On reconnect the primary subscription and every additional
// topic are re-issued. Fatal classification stops the loop.
func (d *Driver) onConnectionLost(_ paho.Client, err error) {
	d.log.Warn().Err(err).Msg("mqtt connection lost; reconnecting")
	go d.reconnectLoop()
}

func (d *Driver) reconnectLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		err := d.connectOnce()
		if err == nil {
			d.log.Info().Msg("mqtt reconnected; subscriptions restored")
			return
		}
		if !errors.Is(err, ErrBrokerUnavailable) {
			d.log.Error().Err(err).Msg("mqtt reconnect failed fatally; giving up")
			return
		}

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(d.cfg.ReconnectSleep):
		}
	}
}

// restoreSubscriptions re-subscribes to the primary topic and every
// additional topic added since startup. The topic set is copied under mu
// and the lock released before calling into the client, so this never
// re-enters mu even though it runs from connect/reconnect paths.
func (d *Driver) restoreSubscriptions() {
	d.mu.Lock()
	topics := make([]string, 0, len(d.additionalTopics)+1)
	for t := range d.additionalTopics {
		topics = append(topics, t)
	}
	d.mu.Unlock()

	if token := d.client.Subscribe(d.primaryTopic(), d.cfg.QoS, d.onMessage); token.Wait() && token.Error() != nil {
		d.log.Error().Err(token.Error()).Str("topic", d.primaryTopic()).Msg("failed to subscribe primary topic")
	}
	for _, t := range topics {
		if token := d.client.Subscribe(t, d.cfg.QoS, d.onMessage); token.Wait() && token.Error() != nil {
			d.log.Error().Err(token.Error()).Str("topic", t).Msg("failed to restore subscription")
		}
	}
}

// AddTopic subscribes to an additional topic and remembers it for
// restoration on reconnect.
func (d *Driver) AddTopic(topic string) error {
	d.mu.Lock()
	d.additionalTopics[topic] = struct{}{}
	d.mu.Unlock()

	token := d.client.Subscribe(topic, d.cfg.QoS, d.onMessage)
	token.Wait()
	return token.Error()
}

// RemoveTopic unsubscribes from an additional topic. Unsubscribing an
// unknown topic is a no-op.
func (d *Driver) RemoveTopic(topic string) error {
	d.mu.Lock()
	_, known := d.additionalTopics[topic]
	delete(d.additionalTopics, topic)
	d.mu.Unlock()
	if !known {
		return nil
	}

	token := d.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (d *Driver) onMessage(_ paho.Client, m paho.Message) {
	d.dispatcher.OnInboundBytes(m.Payload(), m.Topic())
}

// onUnroutedMessage handles publishes that matched no explicit Subscribe
// callback, which should not normally occur since every subscribe call
// above registers onMessage directly.
func (d *Driver) onUnroutedMessage(_ paho.Client, m paho.Message) {
	d.log.Debug().Str("topic", m.Topic()).Msg("message delivered with no registered handler")
}

// SendMessage publishes msg to addr.Topic. ctx carries the message's trace
// id (see internal/pkg/reqctx), which is stamped onto every log line the
// publish path emits.
func (d *Driver) SendMessage(ctx context.Context, addr message.Address, msg *message.Message, decayTime int64, onFailure func(err error)) {
	log := logger.WithCtx(ctx)

	if time.Now().UnixMilli() > decayTime {
		log.Debug().Str("topic", addr.Topic).Str("message_id", msg.MessageID()).
			Msg("decay time passed before publish; dropping without retry")
		return
	}

	payload, err := d.codec.Serialize(msg)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID()).Msg("serialization failed; dropping")
		if onFailure != nil {
			onFailure(err)
		}
		return
	}

	token := d.client.Publish(addr.Topic, d.cfg.QoS, d.cfg.Retain, payload)
	timeout := d.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		log.Warn().Str("topic", addr.Topic).Msg("publish timed out waiting for broker ack")
		return
	}
	if err := token.Error(); err != nil {
		log.Error().Err(err).Str("topic", addr.Topic).Msg("publish failed")
		if onFailure != nil {
			onFailure(err)
		}
	}
}

// classifyConnectError maps the paho connect error to a fatal/transient
// taxonomy. The library surfaces CONNACK rejections as plain error strings
// rather than raw codes; of the five defined rejection codes only "server
// unavailable" is transient (the broker itself asked the caller to back
// off and retry). Bad credentials, a rejected identifier, and an
// unacceptable protocol version are all fatal, since reconnecting with the
// same client ID and credentials would fail the same way. Network-level
// failures (broker unreachable, dial timeout) carry no CONNACK at all and
// fall through to the transient default alongside "server unavailable".
func classifyConnectError(err error) error {
	switch err.Error() {
	case "Unnacceptable protocol version", "unacceptable protocol version":
		return fmt.Errorf("mqtt: unacceptable protocol version (fatal): %w", err)
	case "Identifier rejected", "identifier rejected":
		return fmt.Errorf("mqtt: identifier rejected (fatal): %w", err)
	case "Bad user name or password", "bad user name or password":
		return fmt.Errorf("mqtt: bad user name or password (fatal): %w", err)
	case "Not Authorized", "not authorized":
		return fmt.Errorf("mqtt: not authorized (fatal): %w", err)
	default:
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
}
