package p2p

import (
	"encoding/gob"
	"encoding/json"

	"github.com/uhyunpark/gardendex/pkg/app/core/events"
	"github.com/uhyunpark/gardendex/pkg/util"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is the gossip envelope for one DEX event.
type EventWire struct {
	Origin string // peer id of the publishing node
	Seq    uint64 // per-origin sequence number
	Event  []byte // JSON-encoded events.Event
}

func encodeEvent(origin string, seq uint64, ev events.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return util.EncodeGob(EventWire{Origin: origin, Seq: seq, Event: body})
}

func decodeEvent(b []byte) (EventWire, events.Event, error) {
	var w EventWire
	if err := util.DecodeGob(b, &w); err != nil {
		return EventWire{}, events.Event{}, err
	}
	var ev events.Event
	if err := json.Unmarshal(w.Event, &ev); err != nil {
		return EventWire{}, events.Event{}, err
	}
	return w, ev, nil
}
