package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidKey = fmt.Errorf("event key is empty or malformed")

// Metadata carries the event type tag, the immutable ingest timestamp and
// free-form attributes attached at creation time.
type Metadata struct {
	EventType    string
	TimeReceived time.Time
	Attributes   map[string]interface{}
}

// Event is a semi-structured document flowing through a pipeline: a mapping
// from dotted string keys to dynamically typed values plus a Metadata record.
// Dotted keys address nested mappings, so "request.status" reads the
// "status" field of the "request" sub-document.
type Event struct {
	data     map[string]interface{}
	metadata Metadata
}

func New(eventType string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		data: data,
		metadata: Metadata{
			EventType:    eventType,
			TimeReceived: time.Now(),
			Attributes:   map[string]interface{}{},
		},
	}
}

// FromJSON parses a JSON document into an Event of the given type.
func FromJSON(eventType string, jsonBytes []byte) (*Event, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("failed to parse event json: %w", err)
	}
	return New(eventType, data), nil
}

func (e *Event) Metadata() Metadata { return e.metadata }

func splitKey(key string) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	parts := strings.Split(key, ".")
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return parts, nil
}

// resolve walks the nested mappings down to the parent of the final key
// segment. When create is set, missing intermediate mappings are created.
func (e *Event) resolve(parts []string, create bool) (map[string]interface{}, bool) {
	node := e.data
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part]
		if !ok {
			if !create {
				return nil, false
			}
			next := map[string]interface{}{}
			node[part] = next
			node = next
			continue
		}
		childMap, ok := child.(map[string]interface{})
		if !ok {
			if !create {
				return nil, false
			}
			childMap = map[string]interface{}{}
			node[part] = childMap
		}
		node = childMap
	}
	return node, true
}

// Get retrieves the value at the dotted key. The second return is false when
// the key does not exist.
func (e *Event) Get(key string) (Value, bool, error) {
	parts, err := splitKey(key)
	if err != nil {
		return Null(), false, err
	}
	parent, ok := e.resolve(parts, false)
	if !ok {
		return Null(), false, nil
	}
	raw, ok := parent[parts[len(parts)-1]]
	if !ok {
		return Null(), false, nil
	}
	return FromInterface(raw), true, nil
}

// Put adds or updates the value at the dotted key, creating intermediate
// mappings as needed.
func (e *Event) Put(key string, value interface{}) error {
	parts, err := splitKey(key)
	if err != nil {
		return err
	}
	parent, _ := e.resolve(parts, true)
	if typed, ok := value.(Value); ok {
		value = typed.ToInterface()
	}
	parent[parts[len(parts)-1]] = value
	return nil
}

// Delete removes the value at the dotted key. Deleting a missing key is a
// no-op.
func (e *Event) Delete(key string) error {
	parts, err := splitKey(key)
	if err != nil {
		return err
	}
	parent, ok := e.resolve(parts, false)
	if !ok {
		return nil
	}
	delete(parent, parts[len(parts)-1])
	return nil
}

func (e *Event) ContainsKey(key string) bool {
	_, found, err := e.Get(key)
	return err == nil && found
}

func (e *Event) IsList(key string) bool {
	value, found, err := e.Get(key)
	return err == nil && found && value.Kind() == KindList
}

// ToMap returns a deep copy of the event data as a plain mapping.
func (e *Event) ToMap() map[string]interface{} {
	return deepCopyMap(e.data)
}

func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for key, value := range src {
		dst[key] = deepCopyValue(value)
	}
	return dst
}

func deepCopyValue(src interface{}) interface{} {
	switch typed := src.(type) {
	case map[string]interface{}:
		return deepCopyMap(typed)
	case []interface{}:
		dst := make([]interface{}, len(typed))
		for i, item := range typed {
			dst[i] = deepCopyValue(item)
		}
		return dst
	default:
		return src
	}
}

// ToJSONString serializes the event data as canonical JSON. Keys are emitted
// in sorted order, which encoding/json guarantees for maps.
func (e *Event) ToJSONString() (string, error) {
	jsonBytes, err := json.Marshal(e.data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}
	return string(jsonBytes), nil
}
