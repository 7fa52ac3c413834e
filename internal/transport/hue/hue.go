// Package hue drives member lights through a Philips Hue bridge (v1 API).
package hue

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/light"
)

// Source names this transport in events and the ledger.
const Source = "hue"

// Hue colour temperature limits in mirek.
const (
	minMirek = 153
	maxMirek = 500
)

// Bridge is the subset of *huego.Bridge used here.
type Bridge interface {
	GetLightContext(ctx context.Context, id int) (*huego.Light, error)
	SetLightStateContext(ctx context.Context, id int, state huego.State) (*huego.Response, error)
}

// Client is the Hue transport. It implements light.StateSource and
// dispatch.Sender. Member ids are bridge light ids.
// There is no caching: the bridge is the source of truth.
type Client struct {
	bridge Bridge
}

// New creates a client for an authenticated bridge.
func New(bridge Bridge) *Client {
	return &Client{bridge: bridge}
}

// Connect creates a client for the bridge at host using an application key.
func Connect(host, token string) *Client {
	return New(huego.New(host, token))
}

func parseID(lightID string) (int, error) {
	id, err := strconv.Atoi(lightID)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a Hue light id", light.ErrUnknownLight, lightID)
	}
	return id, nil
}

// Observe fetches the current state of a light from the bridge.
func (c *Client) Observe(ctx context.Context, lightID string) (light.Observation, error) {
	id, err := parseID(lightID)
	if err != nil {
		return light.Observation{}, err
	}

	l, err := c.bridge.GetLightContext(ctx, id)
	if err != nil {
		return light.Observation{}, fmt.Errorf("%w: %v", light.ErrUnavailable, err)
	}
	if l.State == nil || !l.State.Reachable {
		return light.Observation{}, light.ErrUnavailable
	}

	return observationFromState(l.State), nil
}

// Send applies cmd to the light. Brightness 0 turns the light off.
func (c *Client) Send(ctx context.Context, cmd light.Command) error {
	id, err := parseID(cmd.LightID)
	if err != nil {
		return err
	}

	state := stateFromCommand(cmd)
	log.Debug().Str("light", cmd.LightID).Interface("state", state).Msg("Applying state to light")

	if _, err := c.bridge.SetLightStateContext(ctx, id, state); err != nil {
		return fmt.Errorf("failed to set state of light %s: %w", cmd.LightID, err)
	}
	return nil
}

func observationFromState(s *huego.State) light.Observation {
	obs := light.Observation{On: s.On}

	b := briToByte(s.Bri)
	obs.Brightness = &b

	switch s.ColorMode {
	case "ct":
		if s.Ct > 0 {
			k := mirekToKelvin(s.Ct)
			obs.ColorTempKelvin = &k
		}
	case "xy":
		if len(s.Xy) == 2 {
			obs.XY = []float64{float64(s.Xy[0]), float64(s.Xy[1])}
		}
	}

	if s.Effect != "" && s.Effect != "none" {
		e := s.Effect
		obs.Effect = &e
	}
	return obs
}

func stateFromCommand(cmd light.Command) huego.State {
	state := huego.State{On: cmd.On}
	if cmd.Transition != nil {
		state.TransitionTime = uint16(math.Round(max(*cmd.Transition, 0) * 10))
	}
	if !cmd.On {
		return state
	}

	if cmd.Brightness != nil {
		if *cmd.Brightness == 0 {
			state.On = false
			return state
		}
		state.Bri = byteToBri(*cmd.Brightness)
	}
	if cmd.ColorTempKelvin != nil {
		state.Ct = kelvinToMirek(*cmd.ColorTempKelvin)
	}
	if len(cmd.XY) == 2 {
		state.Xy = []float32{float32(cmd.XY[0]), float32(cmd.XY[1])}
	}
	if cmd.Effect != nil {
		state.Effect = *cmd.Effect
	}
	return state
}

// byteToBri maps 1-255 onto the bridge range 1-254.
func byteToBri(b uint8) uint8 {
	if b == 0 {
		return 0
	}
	return uint8(max(1, math.Round(float64(b)*254/255)))
}

// briToByte maps the bridge range 1-254 onto 1-255.
func briToByte(bri uint8) uint8 {
	if bri == 0 {
		return 0
	}
	return uint8(min(255, math.Round(float64(bri)*255/254)))
}

func kelvinToMirek(k int) uint16 {
	if k <= 0 {
		return maxMirek
	}
	m := int(math.Round(1e6 / float64(k)))
	return uint16(min(max(m, minMirek), maxMirek))
}

func mirekToKelvin(m uint16) int {
	return int(math.Round(1e6 / float64(m)))
}
