package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/auctionhouse/go/internal/events"
)

func encodeEvent(ev *events.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a relayed message body.
func DecodeEvent(data []byte) (*events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("unknown event type: %s", ev.Type)
	}
	return &ev, nil
}
