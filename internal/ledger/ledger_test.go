package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lightener/internal/db"
	"github.com/dokzlo13/lightener/internal/group"
	"github.com/dokzlo13/lightener/internal/light"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "state", "lightener.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestRecordCommand(t *testing.T) {
	l := openLedger(t)
	b := uint8(128)

	require.NoError(t, l.RecordCommand("mqtt", light.Command{
		LightID:    "light.kitchen",
		On:         true,
		Attributes: light.Attributes{Brightness: &b},
	}, nil))
	require.NoError(t, l.RecordCommand("mqtt", light.Command{LightID: "light.kitchen"}, errors.New("not connected")))

	sent, err := l.GetByType(EventCommandSent, 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "light.kitchen", sent[0].Subject)
	assert.Equal(t, "mqtt", sent[0].Source)
	assert.Equal(t, true, sent[0].Payload["on"])
	attrs, ok := sent[0].Payload["attributes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(128), attrs["brightness"])

	failed, err := l.GetByType(EventCommandFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "not connected", failed[0].Payload["error"])
	assert.NotContains(t, failed[0].Payload, "attributes")
}

func TestRecordGroupState(t *testing.T) {
	l := openLedger(t)
	b := uint8(3)

	require.NoError(t, l.RecordGroupState("living_room", group.State{On: true, Brightness: &b}))
	require.NoError(t, l.RecordGroupState("living_room", group.State{On: false, Brightness: &b}))

	entries, err := l.GetBySubject("living_room", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// newest first
	assert.Equal(t, false, entries[0].Payload["on"])
	assert.Equal(t, float64(3), entries[1].Payload["brightness"])
	assert.Equal(t, EventGroupState, entries[1].EventType)
}

func TestDeleteOlderThan(t *testing.T) {
	l := openLedger(t)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base.Add(-48 * time.Hour) }
	require.NoError(t, l.Append(EventCommandSent, "hue", "1", nil))

	l.now = func() time.Time { return base }
	require.NoError(t, l.Append(EventCommandSent, "hue", "2", nil))

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left, err := l.GetByType(EventCommandSent, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "2", left[0].Subject)
	assert.Nil(t, left[0].Payload)
}
