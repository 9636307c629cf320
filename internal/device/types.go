package device

import "time"

// DataType is the declared type tag carried with every gateway state value.
// Numeric codes follow the gateway's wire protocol.
type DataType int

// Data types reported by the gateway.
const (
	DataTypeNone       DataType = 0
	DataTypeInteger    DataType = 1
	DataTypeFloat      DataType = 2
	DataTypeString     DataType = 3
	DataTypeBlob       DataType = 4
	DataTypeDate       DataType = 5
	DataTypeBoolean    DataType = 6
	DataTypePassword   DataType = 9
	DataTypeJSONArray  DataType = 10
	DataTypeJSONObject DataType = 11
)

// String returns a readable name for the data type.
func (t DataType) String() string {
	switch t {
	case DataTypeNone:
		return "none"
	case DataTypeInteger:
		return "integer"
	case DataTypeFloat:
		return "float"
	case DataTypeString:
		return "string"
	case DataTypeBlob:
		return "blob"
	case DataTypeDate:
		return "date"
	case DataTypeBoolean:
		return "boolean"
	case DataTypePassword:
		return "password"
	case DataTypeJSONArray:
		return "json_array"
	case DataTypeJSONObject:
		return "json_object"
	default:
		return "unknown"
	}
}

// State is a single named value on a device.
//
// Value is always derived from Raw using Type (see CastValue). The concrete
// Go type of Value is nil, int64, float64, string or bool; for DataTypeNone
// the raw value is passed through unchanged.
type State struct {
	Name  string   `json:"name"`
	Type  DataType `json:"type"`
	Value any      `json:"value"`
	Raw   any      `json:"raw,omitempty"`
}

// Device is the local mirror of one gateway device.
type Device struct {
	// ID is the gateway device URL (e.g. "io://1234-5678-9012/12345678").
	ID string `json:"id"`

	Label            string `json:"label"`
	ControllableName string `json:"controllable_name,omitempty"`

	// Widget and UIClass are independent classification tags used by
	// consumers to route a device to a platform.
	Widget  string `json:"widget"`
	UIClass string `json:"ui_class"`

	Available bool `json:"available"`

	States map[string]State `json:"states"`

	// StateUpdatedAt is when the last state event was applied (UTC).
	StateUpdatedAt *time.Time `json:"state_updated_at,omitempty"`
}

// DeepCopy creates a complete independent copy of the Device.
// Raw values that are maps or slices are cloned as well.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	if d.States != nil {
		cpy.States = make(map[string]State, len(d.States))
		for name, s := range d.States {
			s.Raw = deepCopyValue(s.Raw)
			s.Value = deepCopyValue(s.Value)
			cpy.States[name] = s
		}
	}

	return &cpy
}

// StateValues flattens the typed state values into a name -> value map.
func (d *Device) StateValues() map[string]any {
	values := make(map[string]any, len(d.States))
	for name, s := range d.States {
		values[name] = deepCopyValue(s.Value)
	}
	return values
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
