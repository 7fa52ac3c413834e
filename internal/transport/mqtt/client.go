// Package mqtt connects groups to an MQTT broker: members are zigbee2mqtt style
// JSON lights and groups are exposed to Home Assistant through discovery.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/config"
	"github.com/dokzlo13/lightener/internal/eventbus"
	"github.com/dokzlo13/lightener/internal/light"
)

// Source names this transport in events and the ledger.
const Source = "mqtt"

const (
	qosAtLeastOnce = 1

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

type memberEntry struct {
	obs     light.Observation
	seen    bool
	offline bool
}

// Client is the MQTT transport. It implements light.StateSource and
// dispatch.Sender.
type Client struct {
	cfg    config.MQTTConfig
	bus    *eventbus.Bus
	client paho.Client

	mu      sync.RWMutex
	members map[string]*memberEntry
	subs    map[string]paho.MessageHandler
}

// New creates a client; Connect must be called before use.
func New(cfg config.MQTTConfig, bus *eventbus.Bus) *Client {
	c := &Client{
		cfg:     cfg,
		bus:     bus,
		members: make(map[string]*memberEntry),
		subs:    make(map[string]paho.MessageHandler),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout.Duration()).
		SetAutoReconnect(true).
		SetWill(c.statusTopic(), availabilityOffline, qosAtLeastOnce, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			log.Info().Msg("MQTT reconnecting")
		})

	c.client = paho.NewClient(opts)
	return c
}

// Connect connects to the broker and waits for the first session.
func (c *Client) Connect(ctx context.Context) error {
	t := c.client.Connect()
	if err := wait(ctx, t, c.cfg.ConnectTimeout.Duration()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.Broker, err)
	}
	log.Info().Str("broker", c.cfg.Broker).Msg("Connected to MQTT broker")
	return nil
}

// Close marks the bridge offline and disconnects.
func (c *Client) Close() {
	if !c.client.IsConnected() {
		return
	}
	t := c.client.Publish(c.statusTopic(), qosAtLeastOnce, true, availabilityOffline)
	t.WaitTimeout(time.Second)
	c.client.Disconnect(250)
}

// onConnect runs on every (re)connection: subscriptions do not survive a
// clean session.
func (c *Client) onConnect(client paho.Client) {
	c.mu.RLock()
	filters := make(map[string]byte, len(c.subs))
	for topic := range c.subs {
		filters[topic] = qosAtLeastOnce
	}
	c.mu.RUnlock()

	if len(filters) > 0 {
		t := client.SubscribeMultiple(filters, c.route)
		if t.WaitTimeout(c.cfg.ConnectTimeout.Duration()) && t.Error() != nil {
			log.Error().Err(t.Error()).Msg("MQTT resubscribe failed")
		}
	}

	client.Publish(c.statusTopic(), qosAtLeastOnce, true, availabilityOnline)
}

// route dispatches a message to the handler registered for its topic.
func (c *Client) route(client paho.Client, msg paho.Message) {
	c.mu.RLock()
	h, ok := c.subs[msg.Topic()]
	c.mu.RUnlock()
	if ok {
		h(client, msg)
	}
}

func (c *Client) subscribe(topic string, handler paho.MessageHandler) error {
	c.mu.Lock()
	_, exists := c.subs[topic]
	c.subs[topic] = handler
	c.mu.Unlock()

	if exists || !c.client.IsConnected() {
		return nil
	}

	t := c.client.Subscribe(topic, qosAtLeastOnce, c.route)
	if !t.WaitTimeout(c.cfg.ConnectTimeout.Duration()) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return t.Error()
}

func (c *Client) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}
	return wait(ctx, c.client.Publish(topic, qosAtLeastOnce, retained, payload), c.cfg.ConnectTimeout.Duration())
}

// wait blocks until t completes, ctx ends or timeout passes.
func wait(ctx context.Context, t paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func (c *Client) memberStateTopic(id string) string {
	return c.cfg.BaseTopic + "/" + id
}

func (c *Client) memberSetTopic(id string) string {
	return c.memberStateTopic(id) + "/set"
}

func (c *Client) memberAvailabilityTopic(id string) string {
	return c.memberStateTopic(id) + "/availability"
}

func (c *Client) statusTopic() string {
	return c.cfg.GroupTopic + "/status"
}

// Watch subscribes to state and availability of the given members.
// Already watched members are left alone.
func (c *Client) Watch(ids []string) error {
	for _, id := range ids {
		c.mu.Lock()
		if _, ok := c.members[id]; !ok {
			c.members[id] = &memberEntry{}
		}
		c.mu.Unlock()

		if err := c.subscribe(c.memberStateTopic(id), func(_ paho.Client, msg paho.Message) {
			c.handleState(id, msg.Payload())
		}); err != nil {
			return fmt.Errorf("failed to watch %s: %w", id, err)
		}
		if err := c.subscribe(c.memberAvailabilityTopic(id), func(_ paho.Client, msg paho.Message) {
			c.handleAvailability(id, msg.Payload())
		}); err != nil {
			return fmt.Errorf("failed to watch %s availability: %w", id, err)
		}
	}
	return nil
}

func (c *Client) handleState(id string, payload []byte) {
	obs, err := decodeMemberState(payload)
	if err != nil {
		log.Warn().Err(err).Str("light", id).Msg("Ignoring member state")
		return
	}

	c.mu.Lock()
	e, ok := c.members[id]
	if !ok {
		e = &memberEntry{}
		c.members[id] = e
	}
	e.obs = obs
	e.seen = true
	c.mu.Unlock()

	log.Trace().Str("light", id).Bool("on", obs.On).Msg("Member state received")
	c.notify(id)
}

// handleAvailability accepts both the plain and the JSON availability
// payloads zigbee2mqtt can be configured to send.
func (c *Client) handleAvailability(id string, payload []byte) {
	s := strings.ToLower(string(payload))
	offline := strings.Contains(s, availabilityOffline)

	c.mu.Lock()
	e, ok := c.members[id]
	if !ok {
		e = &memberEntry{}
		c.members[id] = e
	}
	changed := e.offline != offline
	e.offline = offline
	c.mu.Unlock()

	if changed {
		log.Debug().Str("light", id).Bool("offline", offline).Msg("Member availability changed")
		c.notify(id)
	}
}

func (c *Client) notify(id string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.EventTypeMemberState, Source: Source, Key: id})
}

// Observe returns the last state reported by a member.
func (c *Client) Observe(ctx context.Context, id string) (light.Observation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.members[id]
	if !ok || !e.seen {
		return light.Observation{}, light.ErrUnknownLight
	}
	if e.offline {
		return light.Observation{}, light.ErrUnavailable
	}

	obs := e.obs
	obs.Attributes = obs.Attributes.Clone()
	return obs, nil
}

// Send publishes cmd to the member's set topic.
func (c *Client) Send(ctx context.Context, cmd light.Command) error {
	payload, err := encodeMemberCommand(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if err := c.publish(ctx, c.memberSetTopic(cmd.LightID), false, payload); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}
