package persist

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/a-cube-io/opqueue/item"
)

// Codec encodes snapshots and single items.
type Codec interface {
	// Name identifies the codec, e.g. "json".
	Name() string
	MarshalSnapshot(s Snapshot) ([]byte, error)
	UnmarshalSnapshot(data []byte) (Snapshot, error)
	MarshalItem(it *item.Item) ([]byte, error)
	UnmarshalItem(data []byte) (*item.Item, error)
}

// JSON is the JSON codec. It is readable and suits SQL JSONB columns.
var JSON Codec = jsonCodec{}

// Msgpack is the MessagePack codec. It is compact and suits key-value
// backends.
var Msgpack Codec = msgpackCodec{}

// CodecByName returns the codec with the given name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("persist: unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) MarshalSnapshot(s Snapshot) ([]byte, error) { return json.Marshal(s) }

func (jsonCodec) UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(data, &s)
	return s, err
}

func (jsonCodec) MarshalItem(it *item.Item) ([]byte, error) { return json.Marshal(ToRecord(it)) }

func (jsonCodec) UnmarshalItem(data []byte) (*item.Item, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("persist: decode json item: %w", err)
	}
	return r.Item()
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) MarshalSnapshot(s Snapshot) ([]byte, error) { return msgpack.Marshal(s) }

func (msgpackCodec) UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := msgpack.Unmarshal(data, &s)
	return s, err
}

func (msgpackCodec) MarshalItem(it *item.Item) ([]byte, error) { return msgpack.Marshal(ToRecord(it)) }

func (msgpackCodec) UnmarshalItem(data []byte) (*item.Item, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("persist: decode msgpack item: %w", err)
	}
	return r.Item()
}
