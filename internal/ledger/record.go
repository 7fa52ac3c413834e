package ledger

import (
	"github.com/dokzlo13/lightener/internal/group"
	"github.com/dokzlo13/lightener/internal/light"
)

// RecordCommand appends the outcome of delivering cmd through source.
func (l *Ledger) RecordCommand(source string, cmd light.Command, sendErr error) error {
	payload := map[string]any{"on": cmd.On}
	if !cmd.Attributes.IsEmpty() {
		payload["attributes"] = cmd.Attributes
	}

	eventType := EventCommandSent
	if sendErr != nil {
		eventType = EventCommandFailed
		payload["error"] = sendErr.Error()
	}

	return l.Append(eventType, source, cmd.LightID, payload)
}

// RecordGroupState appends a reconciled group state.
func (l *Ledger) RecordGroupState(objectID string, st group.State) error {
	payload := map[string]any{"on": st.On}
	if st.Brightness != nil {
		payload["brightness"] = *st.Brightness
	}
	if !st.Attributes.IsEmpty() {
		payload["attributes"] = st.Attributes
	}
	return l.Append(EventGroupState, "reconciler", objectID, payload)
}
