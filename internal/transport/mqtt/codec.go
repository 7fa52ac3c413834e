package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dokzlo13/lightener/internal/group"
	"github.com/dokzlo13/lightener/internal/light"
)

const (
	stateOn  = "ON"
	stateOff = "OFF"
)

// Keys reported by zigbee2mqtt that describe the device rather than the light.
var telemetryKeys = map[string]bool{
	"linkquality":      true,
	"last_seen":        true,
	"update":           true,
	"update_available": true,
	"color_mode":       true,
	"device":           true,
	"elapsed":          true,
}

type xyColor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// memberPayload is the zigbee2mqtt light state and command format.
// color_temp is in mireds.
type memberPayload struct {
	State      string   `json:"state"`
	Brightness *int     `json:"brightness,omitempty"`
	ColorTemp  *int     `json:"color_temp,omitempty"`
	Effect     *string  `json:"effect,omitempty"`
	Color      *xyColor `json:"color,omitempty"`
	Transition *float64 `json:"transition,omitempty"`
}

var memberKeys = map[string]bool{
	"state": true, "brightness": true, "color_temp": true,
	"effect": true, "color": true, "transition": true,
}

// groupPayload is the Home Assistant JSON schema with color_temp_kelvin
// enabled, so color_temp is in kelvin.
type groupPayload struct {
	State      string   `json:"state"`
	Brightness *int     `json:"brightness,omitempty"`
	ColorMode  string   `json:"color_mode,omitempty"`
	ColorTemp  *int     `json:"color_temp,omitempty"`
	Effect     *string  `json:"effect,omitempty"`
	Color      *xyColor `json:"color,omitempty"`
	Transition *float64 `json:"transition,omitempty"`
}

func kelvinToMired(k int) int {
	if k <= 0 {
		return 0
	}
	return int(math.Round(1e6 / float64(k)))
}

func miredToKelvin(m int) int {
	if m <= 0 {
		return 0
	}
	return int(math.Round(1e6 / float64(m)))
}

func clampByte(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}

// decodeMemberState parses a member state message.
func decodeMemberState(payload []byte) (light.Observation, error) {
	var p memberPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return light.Observation{}, fmt.Errorf("failed to decode state: %w", err)
	}
	if p.State == "" {
		return light.Observation{}, fmt.Errorf("state message without state")
	}

	obs := light.Observation{On: strings.EqualFold(p.State, stateOn)}
	if p.Brightness != nil {
		b := clampByte(*p.Brightness)
		obs.Brightness = &b
	}
	if p.ColorTemp != nil && *p.ColorTemp > 0 {
		k := miredToKelvin(*p.ColorTemp)
		obs.ColorTempKelvin = &k
	}
	obs.Effect = p.Effect
	if p.Color != nil {
		obs.XY = []float64{p.Color.X, p.Color.Y}
	}

	extra, err := extraKeys(payload, memberKeys)
	if err != nil {
		return light.Observation{}, err
	}
	obs.Extra = extra

	return obs, nil
}

func extraKeys(payload []byte, known map[string]bool) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}

	var extra map[string]any
	for k, v := range raw {
		if known[k] || telemetryKeys[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra, nil
}

// encodeMemberCommand renders cmd for a member's set topic.
// An on command with brightness 0 is sent as off.
func encodeMemberCommand(cmd light.Command) ([]byte, error) {
	if !cmd.On || (cmd.Brightness != nil && *cmd.Brightness == 0) {
		out := map[string]any{"state": stateOff}
		if cmd.Transition != nil {
			out["transition"] = *cmd.Transition
		}
		return json.Marshal(out)
	}

	out := make(map[string]any, len(cmd.Extra)+6)
	for k, v := range cmd.Extra {
		out[k] = v
	}

	out["state"] = stateOn
	if cmd.Brightness != nil {
		out["brightness"] = int(*cmd.Brightness)
	}
	if cmd.ColorTempKelvin != nil {
		out["color_temp"] = kelvinToMired(*cmd.ColorTempKelvin)
	}
	if cmd.Effect != nil {
		out["effect"] = *cmd.Effect
	}
	if len(cmd.XY) == 2 {
		out["color"] = xyColor{X: cmd.XY[0], Y: cmd.XY[1]}
	}
	if cmd.Transition != nil {
		out["transition"] = *cmd.Transition
	}

	return json.Marshal(out)
}

// decodeGroupCommand parses a message from a group's command topic.
func decodeGroupCommand(payload []byte) (group.Command, error) {
	var p groupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return group.Command{}, fmt.Errorf("failed to decode group command: %w", err)
	}

	var cmd group.Command
	switch strings.ToUpper(p.State) {
	case stateOn:
		cmd.On = true
	case stateOff:
	default:
		return group.Command{}, fmt.Errorf("invalid group command state %q", p.State)
	}

	if p.Brightness != nil {
		b := clampByte(*p.Brightness)
		cmd.Brightness = &b
	}
	if p.ColorTemp != nil {
		k := *p.ColorTemp
		cmd.ColorTempKelvin = &k
	}
	cmd.Effect = p.Effect
	if p.Color != nil {
		cmd.XY = []float64{p.Color.X, p.Color.Y}
	}
	cmd.Transition = p.Transition

	extra, err := extraKeys(payload, map[string]bool{
		"state": true, "brightness": true, "color_temp": true, "color_mode": true,
		"effect": true, "color": true, "transition": true,
	})
	if err != nil {
		return group.Command{}, err
	}
	cmd.Extra = extra

	return cmd, nil
}

// encodeGroupState renders a group state for its state topic.
func encodeGroupState(st group.State) ([]byte, error) {
	p := groupPayload{State: stateOff}
	if st.On {
		p.State = stateOn
	}
	if st.Brightness != nil {
		b := int(*st.Brightness)
		p.Brightness = &b
	}

	a := st.Attributes
	p.Effect = a.Effect
	switch {
	case len(a.XY) == 2:
		p.ColorMode = "xy"
		p.Color = &xyColor{X: a.XY[0], Y: a.XY[1]}
	case a.ColorTempKelvin != nil:
		p.ColorMode = "color_temp"
		p.ColorTemp = a.ColorTempKelvin
	case st.On:
		// Home Assistant requires a supported mode while on.
		p.ColorMode = "color_temp"
	}

	return json.Marshal(p)
}
