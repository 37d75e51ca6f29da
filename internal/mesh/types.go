package mesh

import (
	"encoding/json"
)

// Kind selects one of the two addressable device collections on the
// gateway. It is interpolated directly into command topics; the gateway
// only understands these two values.
type Kind string

const (
	// KindLights addresses individual lights.
	KindLights Kind = "lights"

	// KindGroups addresses light groups.
	KindGroups Kind = "groups"
)

// Capability describes a control mode a light or group supports.
// Capabilities are derived once from the discovery descriptor and are
// immutable until the gateway re-announces the device.
type Capability string

const (
	// CapabilityBrightness is supported by every mesh device.
	CapabilityBrightness Capability = "brightness"

	// CapabilityColorTemperature marks tunable-white devices (CTL).
	CapabilityColorTemperature Capability = "color_temperature"

	// CapabilityColor marks hue/saturation colour devices (HSL).
	CapabilityColor Capability = "color"
)

// Colour temperature range accepted by the gateway, in kelvin.
// Collaborators clamp their own UI ranges to these bounds.
const (
	MinTemperatureK = 800
	MaxTemperatureK = 20000
)

// Status holds the last-known state fields of a light or group, keyed by
// the gateway's field names (onOff, lightness, hue, saturation,
// temperature). Fields are merged per status message; a field absent from
// an update keeps its previous value.
//
// The gateway publishes onOff as either a bool or the strings "on"/"off"
// depending on firmware; the accessors below interpret both forms.
type Status map[string]any

// PowerOn reports whether the device's last-known power state is on.
// Returns false when the field is absent or unrecognised.
func (s Status) PowerOn() bool {
	switch v := s["onOff"].(type) {
	case bool:
		return v
	case string:
		return v == "on" || v == "On" || v == "ON"
	default:
		return false
	}
}

// Lightness returns the last-known lightness in 0.0–1.0.
func (s Status) Lightness() (float64, bool) {
	return s.floatField("lightness")
}

// Hue returns the last-known hue in degrees (0–360).
func (s Status) Hue() (int, bool) {
	v, ok := s.floatField("hue")
	return int(v), ok
}

// Saturation returns the last-known saturation in 0.0–1.0.
func (s Status) Saturation() (float64, bool) {
	return s.floatField("saturation")
}

// TemperatureK returns the last-known colour temperature in kelvin.
func (s Status) TemperatureK() (int, bool) {
	v, ok := s.floatField("temperature")
	return int(v), ok
}

// floatField reads a numeric field. JSON numbers decode as float64;
// optimistic writes may also store native ints.
func (s Status) floatField(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// clone returns an independent copy of the status map.
func (s Status) clone() Status {
	if s == nil {
		return nil
	}
	out := make(Status, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Device is a discovered light or group.
//
// Name is the sole identity key: it keys the registry, names the device's
// bus topics, and serves as the stable identifier exposed to
// collaborators. It never changes after discovery.
type Device struct {
	// Name uniquely identifies the device within its Kind.
	Name string

	// Model is the hardware model string from discovery, if announced.
	Model string

	// Capabilities derived from the discovery descriptor.
	Capabilities []Capability

	// Status is nil until the first status message or optimistic write.
	Status Status
}

// HasCapability reports whether the device supports the given capability.
func (d *Device) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// deepCopy returns an independent copy of the device.
func (d *Device) deepCopy() Device {
	out := Device{
		Name:   d.Name,
		Model:  d.Model,
		Status: d.Status.clone(),
	}
	if d.Capabilities != nil {
		out.Capabilities = make([]Capability, len(d.Capabilities))
		copy(out.Capabilities, d.Capabilities)
	}
	return out
}

// Scene is a discovered scene. Scenes carry no status; the metadata map
// is the gateway's announcement payload, kept opaque.
type Scene struct {
	Name     string
	Metadata map[string]any
}

// deepCopy returns an independent copy of the scene.
func (s *Scene) deepCopy() Scene {
	out := Scene{Name: s.Name}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// descriptor is a single entry in a lights or groups discovery message.
// The gateway has announced the capability flags under two naming schemes
// across firmware versions; both are accepted.
type descriptor struct {
	Name string `json:"name"`

	SupportsColorTemperature bool `json:"supportsColorTemperature"`
	SupportsCTL              bool `json:"supports_ctl"`

	SupportsColor bool `json:"supportsColor"`
	SupportsHSL   bool `json:"supports_hsl"`

	Model string `json:"model"`
}

// capabilities derives the immutable capability set from the descriptor.
// Brightness is always present.
func (d descriptor) capabilities() []Capability {
	caps := []Capability{CapabilityBrightness}
	if d.SupportsColorTemperature || d.SupportsCTL {
		caps = append(caps, CapabilityColorTemperature)
	}
	if d.SupportsColor || d.SupportsHSL {
		caps = append(caps, CapabilityColor)
	}
	return caps
}

// device builds a fresh registry record from the descriptor.
// Rediscovery replaces the whole record, so Status starts nil.
func (d descriptor) device() *Device {
	return &Device{
		Name:         d.Name,
		Model:        d.Model,
		Capabilities: d.capabilities(),
	}
}

// parseDescriptors parses a discovery payload into descriptors.
// A JSON null decodes to an empty list.
func parseDescriptors(payload []byte) ([]descriptor, error) {
	var out []descriptor
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseSceneList parses a scenes discovery payload, keeping each entry's
// full object as opaque metadata.
func parseSceneList(payload []byte) ([]Scene, error) {
	var entries []map[string]any
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, nil
	}

	scenes := make([]Scene, 0, len(entries))
	for _, entry := range entries {
		name, _ := entry["name"].(string)
		scenes = append(scenes, Scene{Name: name, Metadata: entry})
	}
	return scenes, nil
}
