package mesh

import (
	"sort"
	"sync"
)

// registry is the in-memory mirror of the gateway's announced inventory.
// It holds no persistence; its contents live exactly as long as the
// process and are rebuilt from the next discovery messages.
//
// Writes come from the coordinator's event loop only. Reads may come
// from any goroutine, so all access goes through the mutex and every
// value handed out is a deep copy.
type registry struct {
	mu     sync.RWMutex
	lights map[string]*Device
	groups map[string]*Device
	scenes map[string]*Scene
}

func newRegistry() *registry {
	return &registry{
		lights: make(map[string]*Device),
		groups: make(map[string]*Device),
		scenes: make(map[string]*Scene),
	}
}

// devices returns the map for the given kind. Callers must hold the lock.
func (r *registry) devices(kind Kind) map[string]*Device {
	if kind == KindGroups {
		return r.groups
	}
	return r.lights
}

// upsertDevices applies a discovery announcement for one kind. Each
// announced record replaces any previous record of the same name
// wholesale, so accumulated status is dropped until the gateway
// republishes it. Devices absent from the announcement are kept; records
// are never deleted, only overwritten.
func (r *registry) upsertDevices(kind Kind, descriptors []descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devs := r.devices(kind)
	for _, d := range descriptors {
		if d.Name == "" {
			continue
		}
		devs[d.Name] = d.device()
	}
}

// upsertScenes applies a scene discovery announcement. Re-announced
// names are overwritten; scenes are never deleted.
func (r *registry) upsertScenes(scenes []Scene) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range scenes {
		if scenes[i].Name == "" {
			continue
		}
		s := scenes[i]
		r.scenes[s.Name] = &s
	}
}

// mergeStatus folds the given fields into a device's status, field by
// field. Fields absent from the update keep their previous values.
// Updates for names not in the registry are dropped; merged reports
// whether a device was found.
func (r *registry) mergeStatus(kind Kind, name string, fields map[string]any) (merged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices(kind)[name]
	if !ok {
		return false
	}
	if dev.Status == nil {
		dev.Status = make(Status, len(fields))
	}
	for k, v := range fields {
		dev.Status[k] = v
	}
	return true
}

// snapshotDevices returns deep copies of one kind's devices, sorted by
// name for stable iteration.
func (r *registry) snapshotDevices(kind Kind) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devs := r.devices(kind)
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.deepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// snapshotScenes returns deep copies of the known scenes, sorted by name.
func (r *registry) snapshotScenes() []Scene {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Scene, 0, len(r.scenes))
	for _, s := range r.scenes {
		out = append(out, s.deepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// device returns a deep copy of a single device by name.
func (r *registry) device(kind Kind, name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices(kind)[name]
	if !ok {
		return Device{}, false
	}
	return d.deepCopy(), true
}

// scene returns a deep copy of a single scene by name.
func (r *registry) scene(name string) (Scene, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scenes[name]
	if !ok {
		return Scene{}, false
	}
	return s.deepCopy(), true
}
