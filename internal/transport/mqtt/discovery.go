package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/eventbus"
	"github.com/dokzlo13/lightener/internal/group"
)

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// discoveryConfig is the Home Assistant MQTT light discovery payload.
type discoveryConfig struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	ObjectID            string          `json:"object_id"`
	Schema              string          `json:"schema"`
	CommandTopic        string          `json:"command_topic"`
	StateTopic          string          `json:"state_topic"`
	AvailabilityTopic   string          `json:"availability_topic"`
	Brightness          bool            `json:"brightness"`
	ColorTempKelvin     bool            `json:"color_temp_kelvin"`
	SupportedColorModes []string        `json:"supported_color_modes"`
	Icon                string          `json:"icon"`
	Device              discoveryDevice `json:"device"`
}

func (c *Client) discoveryTopic(objectID string) string {
	return fmt.Sprintf("%s/light/%s/config", c.cfg.DiscoveryPrefix, objectID)
}

func (c *Client) groupCommandTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/set", c.cfg.GroupTopic, objectID)
}

func (c *Client) groupStateTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/state", c.cfg.GroupTopic, objectID)
}

func (c *Client) discoveryPayload(g *group.Group) discoveryConfig {
	objectID := g.ObjectID()
	return discoveryConfig{
		Name:                g.Name(),
		UniqueID:            g.StableID(),
		ObjectID:            objectID,
		Schema:              "json",
		CommandTopic:        c.groupCommandTopic(objectID),
		StateTopic:          c.groupStateTopic(objectID),
		AvailabilityTopic:   c.statusTopic(),
		Brightness:          true,
		ColorTempKelvin:     true,
		SupportedColorModes: []string{"color_temp", "xy"},
		Icon:                "mdi:lightbulb-group",
		Device: discoveryDevice{
			Identifiers:  []string{g.StableID()},
			Name:         g.Name(),
			Manufacturer: "lightener",
			Model:        "Light group",
		},
	}
}

// ExposeGroup announces g to Home Assistant and forwards its commands to the
// bus as group_command events keyed by object id.
func (c *Client) ExposeGroup(ctx context.Context, g *group.Group) error {
	objectID := g.ObjectID()

	payload, err := json.Marshal(c.discoveryPayload(g))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	if err := c.publish(ctx, c.discoveryTopic(objectID), true, payload); err != nil {
		return fmt.Errorf("failed to publish discovery config for %s: %w", g.Name(), err)
	}

	if err := c.subscribe(c.groupCommandTopic(objectID), func(_ paho.Client, msg paho.Message) {
		c.handleGroupCommand(objectID, msg.Payload())
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s commands: %w", g.Name(), err)
	}

	log.Info().Str("group", g.Name()).Str("object_id", objectID).Msg("Registered group with Home Assistant")
	return nil
}

// RemoveGroup deletes the discovery entry of a group that is no longer configured.
func (c *Client) RemoveGroup(ctx context.Context, objectID string) error {
	c.mu.Lock()
	delete(c.subs, c.groupCommandTopic(objectID))
	c.mu.Unlock()

	if c.client.IsConnected() {
		c.client.Unsubscribe(c.groupCommandTopic(objectID))
	}
	// An empty retained payload removes the entity.
	return c.publish(ctx, c.discoveryTopic(objectID), true, []byte{})
}

func (c *Client) handleGroupCommand(objectID string, payload []byte) {
	cmd, err := decodeGroupCommand(payload)
	if err != nil {
		log.Warn().Err(err).Str("object_id", objectID).Msg("Ignoring group command")
		return
	}
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type:    eventbus.EventTypeGroupCommand,
		Source:  Source,
		Key:     objectID,
		Payload: cmd,
	})
}

// PublishGroupState publishes st as the retained state of the group.
func (c *Client) PublishGroupState(ctx context.Context, objectID string, st group.State) error {
	payload, err := encodeGroupState(st)
	if err != nil {
		return fmt.Errorf("failed to encode group state: %w", err)
	}
	return c.publish(ctx, c.groupStateTopic(objectID), true, payload)
}
