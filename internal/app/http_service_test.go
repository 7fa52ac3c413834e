package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lightener/internal/config"
	"github.com/dokzlo13/lightener/internal/eventbus"
	"github.com/dokzlo13/lightener/internal/group"
)

func newTestHTTP(t *testing.T) (*HTTPService, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.NewWithConfig(1, 10)
	t.Cleanup(func() { bus.Close(context.Background()) })

	r := NewRegistry()
	groups, err := BuildGroups(context.Background(), []config.GroupConfig{{
		Name:      "Living Room",
		StableID:  "abc",
		Transport: config.TransportMQTT,
		Members: []config.MemberConfig{
			{ID: "light.a"},
			{ID: "light.off", Breakpoints: config.BreakpointMap{50: 0}},
		},
	}}, testTransports())
	require.NoError(t, err)
	r.Replace(groups)

	return NewHTTPService(&config.Config{}, r, bus), bus
}

func TestHTTP_HealthAndReady(t *testing.T) {
	s, _ := newTestHTTP(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_Groups(t *testing.T) {
	s, _ := newTestHTTP(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var groups []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "living_room", groups[0]["object_id"])
	assert.Equal(t, "abc", groups[0]["stable_id"])
	assert.Equal(t, "mqtt", groups[0]["transport"])

	members := groups[0]["members"].([]any)
	require.Len(t, members, 2)
	assert.Equal(t, false, members[1].(map[string]any)["constraining"])

	state := groups[0]["state"].(map[string]any)
	assert.Equal(t, false, state["on"])
	assert.NotContains(t, state, "brightness")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_GroupCommand(t *testing.T) {
	s, bus := newTestHTTP(t)

	got := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.EventTypeGroupCommand, func(e eventbus.Event) { got <- e })

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"on": true, "brightness": 13, "color_temp_kelvin": 2700}`)
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/groups/living_room", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case e := <-got:
		assert.Equal(t, "living_room", e.Key)
		assert.Equal(t, "http", e.Source)
		cmd := e.Payload.(group.Command)
		assert.True(t, cmd.On)
		assert.Equal(t, uint8(13), *cmd.Brightness)
		assert.Equal(t, 2700, *cmd.ColorTempKelvin)
	case <-time.After(2 * time.Second):
		t.Fatal("command not published")
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/groups/living_room", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/groups/nope", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
