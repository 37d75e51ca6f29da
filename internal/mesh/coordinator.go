package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meshgate/meshgate/internal/infrastructure/config"
)

// defaultEventBuffer is the inbound event queue depth. When the queue is
// full the bus client's delivery goroutine blocks, which preserves
// per-topic ordering under backpressure instead of dropping messages.
const defaultEventBuffer = 256

// BusClient is the message-bus session the coordinator drives.
// This allows mocking in tests and flexibility in implementation;
// *mqtt.Client satisfies it via a thin adapter in package main.
type BusClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Close closes the connection gracefully.
	Close() error
}

// Dialer establishes a bus session from broker configuration.
type Dialer func(cfg config.MQTTConfig) (BusClient, error)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// StatusRecorder receives gateway-reported status updates after they are
// merged into the registry. It is optional; if nil, the coordinator
// operates without recording.
type StatusRecorder interface {
	RecordStatus(kind Kind, name string, fields map[string]any)
}

// Options holds configuration for creating a coordinator.
type Options struct {
	// Config is the broker configuration handed to the dialer.
	Config config.MQTTConfig

	// Topics is the gateway topic layout.
	Topics Topics

	// Dial establishes the bus session. Required.
	Dial Dialer

	// Logger is optional structured logger.
	Logger Logger

	// Recorder is optional status history sink.
	// If nil, the coordinator operates without recording.
	Recorder StatusRecorder

	// EventBuffer overrides the inbound queue depth. Zero means default.
	EventBuffer int
}

// Coordinator mirrors a lighting-mesh gateway over the message bus.
// It handles:
//   - Discovering lights, groups, and scenes from gateway announcements
//   - Merging per-device status updates into an in-memory registry
//   - Translating control operations into gateway command messages
//
// All registry mutation happens on a single event-loop goroutine fed by
// a bounded queue, so messages on one topic are applied in arrival
// order. Snapshot reads and command publishes are safe from any
// goroutine.
type Coordinator struct {
	cfg      config.MQTTConfig
	topics   Topics
	dial     Dialer
	recorder StatusRecorder
	qos      byte
	buffer   int

	registry *registry

	// Session state, swapped as a unit on Connect/Disconnect.
	connMu sync.RWMutex
	bus    BusClient
	events chan coordEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	// Observer registrations
	observerMu   sync.Mutex
	observers    map[int]func()
	nextObserver int

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// coordEvent is one unit of event-loop work: a bus message, or a local
// status patch when patch is non-nil.
type coordEvent struct {
	topic   string
	payload []byte
	patch   *statusPatch
}

// statusPatch is an optimistic local status write. done is closed once
// the loop has applied it.
type statusPatch struct {
	kind   Kind
	name   string
	fields map[string]any
	done   chan struct{}
}

// New creates a new coordinator. Call Connect() to begin operation.
func New(opts Options) (*Coordinator, error) {
	if opts.Topics.Root == "" {
		return nil, fmt.Errorf("gateway topic root is required")
	}
	if opts.Dial == nil {
		return nil, ErrNoDialer
	}

	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	// Config validation caps QoS at 2, so the conversion is safe.
	return &Coordinator{
		cfg:       opts.Config,
		qos:       byte(opts.Config.QoS),
		topics:    opts.Topics,
		dial:      opts.Dial,
		recorder:  opts.Recorder,
		buffer:    buffer,
		registry:  newRegistry(),
		observers: make(map[int]func()),
		logger:    opts.Logger,
	}, nil
}

// Topics returns the gateway topic layout the coordinator was built with.
func (c *Coordinator) Topics() Topics {
	return c.topics
}

// Connect dials the bus and registers the fixed gateway subscriptions:
// the three discovery topics plus the two per-device status patterns.
// A dial or subscribe failure is returned to the caller; the coordinator
// never retries the initial session itself.
func (c *Coordinator) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.bus != nil {
		return ErrAlreadyConnected
	}

	bus, err := c.dial(c.cfg)
	if err != nil {
		c.logError("bus connection failed", err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	events := make(chan coordEvent, c.buffer)
	stop := make(chan struct{})

	for _, topic := range c.topics.subscriptions() {
		if err := bus.Subscribe(topic, c.qos, func(topic string, payload []byte) error {
			// The payload buffer belongs to the bus client and is
			// processed asynchronously, so it must be copied here.
			copied := make([]byte, len(payload))
			copy(copied, payload)
			select {
			case events <- coordEvent{topic: topic, payload: copied}:
			case <-stop:
			}
			return nil
		}); err != nil {
			if closeErr := bus.Close(); closeErr != nil {
				c.logError("closing bus after failed subscribe", closeErr)
			}
			c.logError("gateway subscription failed", err)
			return fmt.Errorf("%w: subscribe %s: %w", ErrConnectFailed, topic, err)
		}
	}

	c.bus = bus
	c.events = events
	c.stop = stop
	c.wg.Add(1)
	go c.run(events, stop)

	c.logInfo("coordinator connected",
		"root", c.topics.Root,
		"subscriptions", len(c.topics.subscriptions()))
	return nil
}

// Disconnect stops the event loop and closes the bus session.
// Safe to call multiple times and before Connect. The registry is kept;
// it simply stops receiving updates.
func (c *Coordinator) Disconnect() {
	c.connMu.Lock()
	bus := c.bus
	if bus == nil {
		c.connMu.Unlock()
		return
	}
	close(c.stop)
	c.bus = nil
	c.events = nil
	c.stop = nil
	c.connMu.Unlock()

	c.wg.Wait()
	if err := bus.Close(); err != nil {
		c.logError("bus close failed", err)
	}
	c.logInfo("coordinator disconnected")
}

// Bus returns the established bus session handle, or nil when not
// connected. Collaborators use it for liveness checks; the coordinator
// still owns its lifecycle.
func (c *Coordinator) Bus() BusClient {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.bus
}

// Available reports whether a live bus session exists. Commands fail
// with ErrNotConnected while this is false.
func (c *Coordinator) Available() bool {
	c.connMu.RLock()
	bus := c.bus
	c.connMu.RUnlock()
	return bus != nil && bus.IsConnected()
}

// ============================================================
// Event loop
// ============================================================

// run is the sole registry writer. It drains the inbound queue until
// stop closes.
func (c *Coordinator) run(events <-chan coordEvent, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			if ev.patch != nil {
				c.registry.mergeStatus(ev.patch.kind, ev.patch.name, ev.patch.fields)
				close(ev.patch.done)
				continue
			}
			c.dispatch(ev.topic, ev.payload)
		}
	}
}

// dispatch routes one bus message. Messages that are not valid JSON are
// logged and discarded without notifying observers; every message that
// parses notifies observers exactly once, whether or not it changed the
// registry. An empty payload (a retained-message clear, for instance)
// reads as a JSON null: nothing to apply, observers still notified.
func (c *Coordinator) dispatch(topic string, payload []byte) {
	if len(payload) > 0 && !json.Valid(payload) {
		c.logWarn("discarding malformed gateway message",
			"topic", topic, "bytes", len(payload))
		return
	}
	defer c.notifyObservers()

	if len(payload) == 0 {
		return
	}

	switch topic {
	case c.topics.LightsDiscovery():
		c.handleDiscovery(KindLights, payload)
	case c.topics.GroupsDiscovery():
		c.handleDiscovery(KindGroups, payload)
	case c.topics.ScenesDiscovery():
		c.handleSceneDiscovery(payload)
	default:
		kind, name, ok := c.topics.parseStatusTopic(topic)
		if !ok {
			c.logDebug("ignoring message on unrecognised topic", "topic", topic)
			return
		}
		c.handleStatus(kind, name, payload)
	}
}

// handleDiscovery upserts one kind's inventory from an announcement.
// Each announced name overwrites its record wholesale; names the gateway
// stops announcing simply stop receiving updates. A JSON null or empty
// list announces nothing and mutates nothing.
func (c *Coordinator) handleDiscovery(kind Kind, payload []byte) {
	descriptors, err := parseDescriptors(payload)
	if err != nil {
		c.logWarn("discarding discovery message with unexpected shape",
			"kind", kind, "error", err)
		return
	}
	if len(descriptors) == 0 {
		return
	}

	c.registry.upsertDevices(kind, descriptors)
	c.logInfo("inventory updated", "kind", kind, "announced", len(descriptors))
}

// handleSceneDiscovery upserts the scene inventory from an announcement.
func (c *Coordinator) handleSceneDiscovery(payload []byte) {
	scenes, err := parseSceneList(payload)
	if err != nil {
		c.logWarn("discarding scene discovery message with unexpected shape",
			"error", err)
		return
	}
	if len(scenes) == 0 {
		return
	}

	c.registry.upsertScenes(scenes)
	c.logInfo("scene inventory updated", "announced", len(scenes))
}

// handleStatus merges one device's status update. Updates naming devices
// that were never announced are dropped.
func (c *Coordinator) handleStatus(kind Kind, name string, payload []byte) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		c.logWarn("discarding status message with unexpected shape",
			"kind", kind, "name", name, "error", err)
		return
	}
	if fields == nil {
		return
	}

	if !c.registry.mergeStatus(kind, name, fields) {
		c.logDebug("status for unknown device", "kind", kind, "name", name)
		return
	}
	c.logDebug("status merged", "kind", kind, "name", name)

	if c.recorder != nil {
		c.recorder.RecordStatus(kind, name, fields)
	}
}

// ============================================================
// Observers
// ============================================================

// Subscribe registers an observer invoked after every processed gateway
// message. The returned function de-registers it; calling it from inside
// the observer itself is safe.
//
// Observers run on the event-loop goroutine and should read fresh state
// via the snapshot accessors rather than doing heavy work inline.
func (c *Coordinator) Subscribe(fn func()) (cancel func()) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()

	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn

	return func() {
		c.observerMu.Lock()
		delete(c.observers, id)
		c.observerMu.Unlock()
	}
}

// notifyObservers invokes every registered observer once. The set is
// copied first so observers may de-register during their own invocation.
func (c *Coordinator) notifyObservers() {
	c.observerMu.Lock()
	fns := make([]func(), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.observerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ============================================================
// Registry snapshots
// ============================================================

// Lights returns deep copies of all known lights, sorted by name.
func (c *Coordinator) Lights() []Device {
	return c.registry.snapshotDevices(KindLights)
}

// Groups returns deep copies of all known groups, sorted by name.
func (c *Coordinator) Groups() []Device {
	return c.registry.snapshotDevices(KindGroups)
}

// Scenes returns deep copies of all known scenes, sorted by name.
func (c *Coordinator) Scenes() []Scene {
	return c.registry.snapshotScenes()
}

// Device returns a deep copy of one light or group by name.
func (c *Coordinator) Device(kind Kind, name string) (Device, bool) {
	return c.registry.device(kind, name)
}

// Light returns a deep copy of one light by name.
func (c *Coordinator) Light(name string) (Device, bool) {
	return c.registry.device(KindLights, name)
}

// Group returns a deep copy of one group by name.
func (c *Coordinator) Group(name string) (Device, bool) {
	return c.registry.device(KindGroups, name)
}

// Scene returns a deep copy of one scene by name.
func (c *Coordinator) Scene(name string) (Scene, bool) {
	return c.registry.scene(name)
}

// ============================================================
// Commands
// ============================================================

// Gateway command payload shapes. Field names are the gateway's wire
// vocabulary; onOff is written as the strings "on"/"off" even though the
// gateway reports it back as a bool on some firmware.
type powerCommand struct {
	OnOff string `json:"onOff"`
}

type lightnessCommand struct {
	Lightness float64 `json:"lightness"`
}

type hslCommand struct {
	Hue        int     `json:"hue"`
	Saturation float64 `json:"saturation"`
	Lightness  float64 `json:"lightness"`
}

type ctlCommand struct {
	Temperature int     `json:"temperature"`
	Lightness   float64 `json:"lightness"`
}

// SetPower switches a light or group on or off.
func (c *Coordinator) SetPower(kind Kind, name string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	return c.publishJSON(c.topics.Power(kind, name), powerCommand{OnOff: state})
}

// SetLightness sets brightness. lightness is 0.0 to 1.0; values are
// passed through to the gateway unclamped.
func (c *Coordinator) SetLightness(kind Kind, name string, lightness float64) error {
	return c.publishJSON(c.topics.Lightness(kind, name), lightnessCommand{Lightness: lightness})
}

// SetHSL sets colour. hue is degrees 0 to 360, saturation and lightness
// are 0.0 to 1.0.
func (c *Coordinator) SetHSL(kind Kind, name string, hue int, saturation, lightness float64) error {
	return c.publishJSON(c.topics.HSL(kind, name), hslCommand{
		Hue:        hue,
		Saturation: saturation,
		Lightness:  lightness,
	})
}

// SetCTL sets colour temperature. temperatureK is kelvin within
// MinTemperatureK to MaxTemperatureK, lightness is 0.0 to 1.0.
func (c *Coordinator) SetCTL(kind Kind, name string, temperatureK int, lightness float64) error {
	return c.publishJSON(c.topics.CTL(kind, name), ctlCommand{
		Temperature: temperatureK,
		Lightness:   lightness,
	})
}

// RecallScene recalls a scene gateway-wide. The scene name travels as
// the raw payload, not JSON.
func (c *Coordinator) RecallScene(scene string) error {
	return c.publish(c.topics.GlobalRecallScene(), []byte(scene))
}

// RecallSceneOn recalls a scene on a single light or group.
func (c *Coordinator) RecallSceneOn(scene string, kind Kind, name string) error {
	return c.publish(c.topics.RecallScene(kind, name), []byte(scene))
}

// ApplyOptimisticStatus merges locally predicted status fields for a
// device, so callers can reflect a command's expected outcome before the
// gateway confirms it. The write goes through the event loop and has
// completed when this returns. Unknown device names are a no-op, and
// observers are not notified.
func (c *Coordinator) ApplyOptimisticStatus(kind Kind, name string, fields map[string]any) {
	if len(fields) == 0 {
		return
	}

	c.connMu.RLock()
	events, stop := c.events, c.stop
	c.connMu.RUnlock()

	// Without a running loop there is no concurrent writer, so the
	// merge can happen inline.
	if events == nil {
		c.registry.mergeStatus(kind, name, fields)
		return
	}

	patch := &statusPatch{kind: kind, name: name, fields: fields, done: make(chan struct{})}
	select {
	case events <- coordEvent{patch: patch}:
	case <-stop:
		return
	}
	select {
	case <-patch.done:
	case <-stop:
	}
}

// publishJSON marshals a command payload and publishes it.
func (c *Coordinator) publishJSON(topic string, command any) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("encode command for %s: %w", topic, err)
	}
	return c.publish(topic, payload)
}

// publish sends one command message at the configured QoS. Commands are
// never retained; the gateway acts on them once.
func (c *Coordinator) publish(topic string, payload []byte) error {
	c.connMu.RLock()
	bus := c.bus
	c.connMu.RUnlock()

	if bus == nil || !bus.IsConnected() {
		return ErrNotConnected
	}

	if err := bus.Publish(topic, payload, c.qos, false); err != nil {
		c.logError("command publish failed", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.logDebug("command published", "topic", topic)
	return nil
}

// ============================================================
// Logging
// ============================================================

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Coordinator) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Coordinator) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Coordinator) logWarn(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Coordinator) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
