package mesh

import "strings"

// Topics builds every bus topic the coordinator uses from the single
// configured gateway root. All topic construction lives here so the
// layout is auditable in one place.
//
// Gateway topic layout, relative to the root:
//
//	<root>/lights                     discovery announcements (lights)
//	<root>/groups                     discovery announcements (groups)
//	<root>/scenes                     discovery announcements (scenes)
//	<root>/lights/<name>/status       per-light status updates
//	<root>/groups/<name>/status       per-group status updates
//	<root>/lights/<name>/power        power commands
//	<root>/lights/<name>/lightness    lightness commands
//	<root>/lights/<name>/hsl          colour commands
//	<root>/lights/<name>/ctl          colour temperature commands
//	<root>/lights/<name>/recallScene  targeted scene recall
//	<root>/scenes/recallScene         global scene recall
//
// Group command topics follow the same shape under <root>/groups.
type Topics struct {
	// Root is the gateway's topic prefix, without a trailing slash.
	Root string
}

// LightsDiscovery returns the lights announcement topic.
func (t Topics) LightsDiscovery() string {
	return t.Root + "/" + string(KindLights)
}

// GroupsDiscovery returns the groups announcement topic.
func (t Topics) GroupsDiscovery() string {
	return t.Root + "/" + string(KindGroups)
}

// ScenesDiscovery returns the scenes announcement topic.
func (t Topics) ScenesDiscovery() string {
	return t.Root + "/scenes"
}

// LightStatuses returns the wildcard pattern matching every light's
// status topic.
func (t Topics) LightStatuses() string {
	return t.Root + "/" + string(KindLights) + "/+/status"
}

// GroupStatuses returns the wildcard pattern matching every group's
// status topic.
func (t Topics) GroupStatuses() string {
	return t.Root + "/" + string(KindGroups) + "/+/status"
}

// Power returns the power command topic for a device.
func (t Topics) Power(kind Kind, name string) string {
	return t.device(kind, name) + "/power"
}

// Lightness returns the lightness command topic for a device.
func (t Topics) Lightness(kind Kind, name string) string {
	return t.device(kind, name) + "/lightness"
}

// HSL returns the colour command topic for a device.
func (t Topics) HSL(kind Kind, name string) string {
	return t.device(kind, name) + "/hsl"
}

// CTL returns the colour temperature command topic for a device.
func (t Topics) CTL(kind Kind, name string) string {
	return t.device(kind, name) + "/ctl"
}

// RecallScene returns the targeted scene recall topic for a device.
func (t Topics) RecallScene(kind Kind, name string) string {
	return t.device(kind, name) + "/recallScene"
}

// GlobalRecallScene returns the gateway-wide scene recall topic.
func (t Topics) GlobalRecallScene() string {
	return t.Root + "/scenes/recallScene"
}

func (t Topics) device(kind Kind, name string) string {
	return t.Root + "/" + string(kind) + "/" + name
}

// subscriptions returns the fixed set of topic patterns the coordinator
// listens on. Discovery topics are exact, status topics carry a
// single-level wildcard in the name segment.
func (t Topics) subscriptions() []string {
	return []string{
		t.LightsDiscovery(),
		t.GroupsDiscovery(),
		t.ScenesDiscovery(),
		t.LightStatuses(),
		t.GroupStatuses(),
	}
}

// parseStatusTopic extracts the kind and device name from a concrete
// status topic. Returns ok=false for topics that do not match
// <root>/lights/<name>/status or <root>/groups/<name>/status.
func (t Topics) parseStatusTopic(topic string) (kind Kind, name string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Root+"/")
	if !found {
		return "", "", false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "status" || parts[1] == "" {
		return "", "", false
	}

	switch Kind(parts[0]) {
	case KindLights, KindGroups:
		return Kind(parts[0]), parts[1], true
	default:
		return "", "", false
	}
}
