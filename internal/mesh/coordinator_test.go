package mesh

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshgate/meshgate/internal/infrastructure/config"
)

// ============================================================
// Mocks
// ============================================================

// MockBusClient implements BusClient for testing.
type MockBusClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	handlers      map[string]func(topic string, payload []byte) error
	connected     bool
	publishErr    error
	subscribeErr  error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockBusClient() *MockBusClient {
	return &MockBusClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte) error),
	}
}

func (m *MockBusClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockBusClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockBusClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockBusClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockBusClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

func (m *MockBusClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions
}

func (m *MockBusClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockBusClient) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *MockBusClient) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SimulateMessage simulates receiving a bus message on a concrete topic,
// delivering it to every subscription whose pattern matches.
func (m *MockBusClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var matched []func(topic string, payload []byte) error
	for pattern, handler := range m.handlers {
		if topicMatches(pattern, topic) {
			matched = append(matched, handler)
		}
	}
	m.mu.Unlock()

	for _, handler := range matched {
		_ = handler(topic, payload)
	}
}

// topicMatches implements MQTT single-level (+) and multi-level (#)
// wildcard matching, enough for the patterns under test.
func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range pp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// mockRecorder implements StatusRecorder for testing.
type mockRecorder struct {
	mu      sync.Mutex
	records []recordedStatus
}

type recordedStatus struct {
	Kind   Kind
	Name   string
	Fields map[string]any
}

func (r *mockRecorder) RecordStatus(kind Kind, name string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedStatus{Kind: kind, Name: name, Fields: fields})
}

func (r *mockRecorder) GetRecords() []recordedStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records
}

// ============================================================
// Helpers
// ============================================================

func testBusConfig() config.MQTTConfig {
	return config.MQTTConfig{QoS: 0}
}

// newConnectedCoordinator builds a coordinator wired to the mock and
// connects it. Disconnect runs via t.Cleanup.
func newConnectedCoordinator(t *testing.T, bus *MockBusClient, recorder StatusRecorder) *Coordinator {
	t.Helper()

	coord, err := New(Options{
		Config:   testBusConfig(),
		Topics:   Topics{Root: "mesh"},
		Dial:     func(config.MQTTConfig) (BusClient, error) { return bus, nil },
		Recorder: recorder,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := coord.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(coord.Disconnect)
	return coord
}

// watchUpdates registers an observer that signals the returned channel
// once per processed message.
func watchUpdates(t *testing.T, coord *Coordinator) <-chan struct{} {
	t.Helper()
	updates := make(chan struct{}, 64)
	cancel := coord.Subscribe(func() { updates <- struct{}{} })
	t.Cleanup(cancel)
	return updates
}

func waitUpdates(t *testing.T, updates <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-updates:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for update %d of %d", i+1, n)
		}
	}
}

func assertNoUpdate(t *testing.T, updates <-chan struct{}) {
	t.Helper()
	select {
	case <-updates:
		t.Fatal("unexpected observer notification")
	case <-time.After(50 * time.Millisecond):
	}
}

// ============================================================
// Construction and connection
// ============================================================

func TestNew_RequiresTopicRoot(t *testing.T) {
	_, err := New(Options{
		Dial: func(config.MQTTConfig) (BusClient, error) { return NewMockBusClient(), nil },
	})
	if err == nil {
		t.Fatal("New() without topic root should fail")
	}
}

func TestNew_RequiresDialer(t *testing.T) {
	_, err := New(Options{Topics: Topics{Root: "mesh"}})
	if !errors.Is(err, ErrNoDialer) {
		t.Fatalf("New() error = %v, want ErrNoDialer", err)
	}
}

func TestConnect_SubscribesGatewayTopics(t *testing.T) {
	bus := NewMockBusClient()
	newConnectedCoordinator(t, bus, nil)

	want := map[string]bool{
		"mesh/lights":          true,
		"mesh/groups":          true,
		"mesh/scenes":          true,
		"mesh/lights/+/status": true,
		"mesh/groups/+/status": true,
	}

	subs := bus.GetSubscriptions()
	if len(subs) != len(want) {
		t.Fatalf("subscription count = %d, want %d", len(subs), len(want))
	}
	for _, sub := range subs {
		if !want[sub.Topic] {
			t.Errorf("unexpected subscription %q", sub.Topic)
		}
	}
}

func TestConnect_DialFailure(t *testing.T) {
	dialErr := errors.New("broker unreachable")
	coord, err := New(Options{
		Config: testBusConfig(),
		Topics: Topics{Root: "mesh"},
		Dial:   func(config.MQTTConfig) (BusClient, error) { return nil, dialErr },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = coord.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("Connect() error = %v, should wrap dial error", err)
	}
}

func TestConnect_SubscribeFailureClosesBus(t *testing.T) {
	bus := NewMockBusClient()
	bus.SetSubscribeError(errors.New("subscribe refused"))

	coord, err := New(Options{
		Config: testBusConfig(),
		Topics: Topics{Root: "mesh"},
		Dial:   func(config.MQTTConfig) (BusClient, error) { return bus, nil },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := coord.Connect(context.Background()); !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if bus.IsConnected() {
		t.Error("bus should be closed after failed subscribe")
	}
	if coord.Available() {
		t.Error("coordinator should not be available after failed connect")
	}
}

func TestConnect_Twice(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)

	if err := coord.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	coord, err := New(Options{
		Config: testBusConfig(),
		Topics: Topics{Root: "mesh"},
		Dial: func(config.MQTTConfig) (BusClient, error) {
			t.Fatal("dial should not run with cancelled context")
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := coord.Connect(ctx); err == nil {
		t.Error("Connect() with cancelled context should fail")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)

	coord.Disconnect()
	coord.Disconnect()

	if bus.IsConnected() {
		t.Error("bus should be closed after Disconnect")
	}
	if coord.Available() {
		t.Error("Available() should be false after Disconnect")
	}
}

func TestDisconnect_BeforeConnect(t *testing.T) {
	coord, err := New(Options{
		Config: testBusConfig(),
		Topics: Topics{Root: "mesh"},
		Dial:   func(config.MQTTConfig) (BusClient, error) { return NewMockBusClient(), nil },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	coord.Disconnect() // Must not panic
}

// ============================================================
// Discovery
// ============================================================

func TestDiscovery_Lights(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[
		{"name":"Kitchen","supportsColorTemperature":true,"model":"LED-CTL-1"},
		{"name":"Hall","supports_hsl":true},
		{"name":"Attic"}
	]`))
	waitUpdates(t, updates, 1)

	lights := coord.Lights()
	if len(lights) != 3 {
		t.Fatalf("len(Lights()) = %d, want 3", len(lights))
	}

	// Sorted by name
	if lights[0].Name != "Attic" || lights[1].Name != "Hall" || lights[2].Name != "Kitchen" {
		t.Errorf("lights not sorted by name: %v, %v, %v",
			lights[0].Name, lights[1].Name, lights[2].Name)
	}

	kitchen, ok := coord.Light("Kitchen")
	if !ok {
		t.Fatal("Light(Kitchen) not found")
	}
	if kitchen.Model != "LED-CTL-1" {
		t.Errorf("Model = %q, want LED-CTL-1", kitchen.Model)
	}
	if !kitchen.HasCapability(CapabilityColorTemperature) {
		t.Error("Kitchen should have colour temperature capability")
	}
	if kitchen.HasCapability(CapabilityColor) {
		t.Error("Kitchen should not have colour capability")
	}

	hall, _ := coord.Light("Hall")
	if !hall.HasCapability(CapabilityColor) {
		t.Error("Hall should have colour capability (snake_case flag)")
	}

	attic, _ := coord.Light("Attic")
	if !attic.HasCapability(CapabilityBrightness) {
		t.Error("every device should have brightness capability")
	}
	if len(attic.Capabilities) != 1 {
		t.Errorf("Attic capabilities = %v, want brightness only", attic.Capabilities)
	}
}

func TestDiscovery_ReplacesRecordAndDropsStatus(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"onOff":"on","lightness":0.5}`))
	waitUpdates(t, updates, 2)

	kitchen, _ := coord.Light("Kitchen")
	if !kitchen.Status.PowerOn() {
		t.Fatal("precondition: Kitchen should be on")
	}

	// Re-announcement replaces the whole record
	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen","supports_ctl":true}]`))
	waitUpdates(t, updates, 1)

	kitchen, ok := coord.Light("Kitchen")
	if !ok {
		t.Fatal("Kitchen should survive rediscovery")
	}
	if kitchen.Status != nil {
		t.Errorf("Status = %v, want nil after rediscovery", kitchen.Status)
	}
	if !kitchen.HasCapability(CapabilityColorTemperature) {
		t.Error("rediscovered capabilities should apply")
	}
}

func TestDiscovery_NeverDeletesDevices(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/groups", []byte(`[{"name":"Downstairs"},{"name":"Upstairs"}]`))
	bus.SimulateMessage("mesh/groups", []byte(`[{"name":"Upstairs"}]`))
	waitUpdates(t, updates, 2)

	// Names absent from a later announcement are kept, not deleted.
	if _, ok := coord.Group("Downstairs"); !ok {
		t.Error("Downstairs should survive a re-announcement without it")
	}
	if _, ok := coord.Group("Upstairs"); !ok {
		t.Error("Upstairs should remain")
	}
}

func TestDiscovery_EmptyListKeepsInventory(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights", []byte(`[]`))
	waitUpdates(t, updates, 2) // empty list still notifies

	if _, ok := coord.Light("Kitchen"); !ok {
		t.Error("empty announcement should not delete devices")
	}
}

func TestDiscovery_NullKeepsInventory(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights", []byte(`null`))
	waitUpdates(t, updates, 2) // null still notifies

	if _, ok := coord.Light("Kitchen"); !ok {
		t.Error("null announcement should not clear inventory")
	}
}

func TestDispatch_EmptyPayloadNotifiesAndKeepsState(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"onOff":true}`))
	bus.SimulateMessage("mesh/lights", []byte{})
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte{})
	waitUpdates(t, updates, 4) // empty payloads read as null and still notify

	light, ok := coord.Light("Kitchen")
	if !ok {
		t.Fatal("empty announcement should not delete devices")
	}
	if !light.Status.PowerOn() {
		t.Error("empty status update should not touch accumulated status")
	}
}

func TestDiscovery_WrongShapeKeepsInventory(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights", []byte(`{"name":"NotAList"}`))
	waitUpdates(t, updates, 2) // valid JSON of the wrong shape still notifies

	if _, ok := coord.Light("Kitchen"); !ok {
		t.Error("wrong-shape announcement should not clear inventory")
	}
	if _, ok := coord.Light("NotAList"); ok {
		t.Error("wrong-shape announcement should not add devices")
	}
}

func TestDiscovery_SkipsUnnamedEntries(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":""},{"model":"X"},{"name":"Kitchen"}]`))
	waitUpdates(t, updates, 1)

	if got := coord.Lights(); len(got) != 1 || got[0].Name != "Kitchen" {
		t.Errorf("Lights() = %v, want just Kitchen", got)
	}
}

func TestDiscovery_Scenes(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/scenes", []byte(`[
		{"name":"Evening","number":3,"room":"living"},
		{"name":"Bright"}
	]`))
	waitUpdates(t, updates, 1)

	scenes := coord.Scenes()
	if len(scenes) != 2 {
		t.Fatalf("len(Scenes()) = %d, want 2", len(scenes))
	}
	if scenes[0].Name != "Bright" || scenes[1].Name != "Evening" {
		t.Errorf("scenes not sorted: %v, %v", scenes[0].Name, scenes[1].Name)
	}

	evening, ok := coord.Scene("Evening")
	if !ok {
		t.Fatal("Scene(Evening) not found")
	}
	if evening.Metadata["number"] != float64(3) {
		t.Errorf("Metadata[number] = %v, want 3", evening.Metadata["number"])
	}
	if evening.Metadata["room"] != "living" {
		t.Errorf("Metadata[room] = %v, want living", evening.Metadata["room"])
	}
}

// ============================================================
// Status updates
// ============================================================

func TestStatus_MergePreservesAbsentFields(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"onOff":"on","lightness":0.5}`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"lightness":0.25}`))
	waitUpdates(t, updates, 3)

	kitchen, _ := coord.Light("Kitchen")
	if !kitchen.Status.PowerOn() {
		t.Error("onOff should survive a lightness-only update")
	}
	if got, ok := kitchen.Status.Lightness(); !ok || got != 0.25 {
		t.Errorf("Lightness() = %v, %v, want 0.25", got, ok)
	}
}

func TestStatus_BooleanOnOff(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/groups", []byte(`[{"name":"Downstairs"}]`))
	bus.SimulateMessage("mesh/groups/Downstairs/status", []byte(`{"onOff":true}`))
	waitUpdates(t, updates, 2)

	group, _ := coord.Group("Downstairs")
	if !group.Status.PowerOn() {
		t.Error("boolean onOff should read as powered on")
	}

	bus.SimulateMessage("mesh/groups/Downstairs/status", []byte(`{"onOff":false}`))
	waitUpdates(t, updates, 1)

	group, _ = coord.Group("Downstairs")
	if group.Status.PowerOn() {
		t.Error("boolean onOff false should read as powered off")
	}
}

func TestStatus_UnknownDeviceDropped(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights/Ghost/status", []byte(`{"onOff":"on"}`))
	waitUpdates(t, updates, 1) // still notifies

	if _, ok := coord.Light("Ghost"); ok {
		t.Error("status must not create devices")
	}
}

func TestStatus_MalformedJSONDiscardedSilently(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	waitUpdates(t, updates, 1)

	// Malformed payload, then a valid sentinel. Events are processed in
	// order, so a single notification proves the malformed message
	// produced none.
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"onOff":`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"lightness":0.7}`))
	waitUpdates(t, updates, 1)
	assertNoUpdate(t, updates)

	kitchen, _ := coord.Light("Kitchen")
	if _, ok := kitchen.Status["onOff"]; ok {
		t.Error("malformed payload should not reach the registry")
	}
	if got, _ := kitchen.Status.Lightness(); got != 0.7 {
		t.Errorf("Lightness() = %v, want 0.7", got)
	}
}

func TestStatus_NullPayloadSkipped(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"onOff":"on"}`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`null`))
	waitUpdates(t, updates, 3) // null parses, so it notifies

	kitchen, _ := coord.Light("Kitchen")
	if !kitchen.Status.PowerOn() {
		t.Error("null status should not wipe existing fields")
	}
}

func TestStatus_RecorderReceivesMergedUpdates(t *testing.T) {
	bus := NewMockBusClient()
	recorder := &mockRecorder{}
	coord := newConnectedCoordinator(t, bus, recorder)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"lightness":0.5}`))
	bus.SimulateMessage("mesh/lights/Ghost/status", []byte(`{"lightness":0.5}`))
	waitUpdates(t, updates, 3)

	records := recorder.GetRecords()
	if len(records) != 1 {
		t.Fatalf("recorded %d updates, want 1 (unknown devices are not recorded)", len(records))
	}
	if records[0].Kind != KindLights || records[0].Name != "Kitchen" {
		t.Errorf("recorded %s/%s, want lights/Kitchen", records[0].Kind, records[0].Name)
	}
	if records[0].Fields["lightness"] != 0.5 {
		t.Errorf("recorded fields = %v", records[0].Fields)
	}

	// Optimistic writes are local predictions and are not recorded.
	coord.ApplyOptimisticStatus(KindLights, "Kitchen", map[string]any{"onOff": "on"})
	if got := len(recorder.GetRecords()); got != 1 {
		t.Errorf("recorded %d updates after optimistic write, want still 1", got)
	}
}

// ============================================================
// Observers
// ============================================================

func TestObserver_CancelDuringNotification(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 4)

	var cancel func()
	cancel = coord.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
		cancel() // De-register from inside the callback
		done <- struct{}{}
	})

	bus.SimulateMessage("mesh/lights", []byte(`[]`))
	<-done
	bus.SimulateMessage("mesh/lights", []byte(`[]`))

	// Second message must not reach the cancelled observer. Give the
	// loop a moment to process it.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("observer called %d times, want 1", calls)
	}
}

// ============================================================
// Commands
// ============================================================

func TestCommands_TopicsAndPayloads(t *testing.T) {
	tests := []struct {
		name        string
		send        func(c *Coordinator) error
		wantTopic   string
		wantPayload string
	}{
		{
			name:        "power on light",
			send:        func(c *Coordinator) error { return c.SetPower(KindLights, "Kitchen", true) },
			wantTopic:   "mesh/lights/Kitchen/power",
			wantPayload: `{"onOff":"on"}`,
		},
		{
			name:        "power off group",
			send:        func(c *Coordinator) error { return c.SetPower(KindGroups, "Downstairs", false) },
			wantTopic:   "mesh/groups/Downstairs/power",
			wantPayload: `{"onOff":"off"}`,
		},
		{
			name:        "lightness",
			send:        func(c *Coordinator) error { return c.SetLightness(KindLights, "Kitchen", 0.5) },
			wantTopic:   "mesh/lights/Kitchen/lightness",
			wantPayload: `{"lightness":0.5}`,
		},
		{
			name: "hsl",
			send: func(c *Coordinator) error {
				return c.SetHSL(KindLights, "Kitchen", 120, 0.8, 0.5)
			},
			wantTopic:   "mesh/lights/Kitchen/hsl",
			wantPayload: `{"hue":120,"saturation":0.8,"lightness":0.5}`,
		},
		{
			name: "ctl",
			send: func(c *Coordinator) error {
				return c.SetCTL(KindGroups, "Downstairs", 2700, 0.75)
			},
			wantTopic:   "mesh/groups/Downstairs/ctl",
			wantPayload: `{"temperature":2700,"lightness":0.75}`,
		},
		{
			name:        "global scene recall",
			send:        func(c *Coordinator) error { return c.RecallScene("Evening") },
			wantTopic:   "mesh/scenes/recallScene",
			wantPayload: "Evening",
		},
		{
			name:        "targeted scene recall",
			send:        func(c *Coordinator) error { return c.RecallSceneOn("Evening", KindGroups, "Downstairs") },
			wantTopic:   "mesh/groups/Downstairs/recallScene",
			wantPayload: "Evening",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewMockBusClient()
			coord := newConnectedCoordinator(t, bus, nil)

			if err := tt.send(coord); err != nil {
				t.Fatalf("command error = %v", err)
			}

			published := bus.GetPublished()
			if len(published) != 1 {
				t.Fatalf("published %d messages, want 1", len(published))
			}
			if published[0].Topic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", published[0].Topic, tt.wantTopic)
			}
			if string(published[0].Payload) != tt.wantPayload {
				t.Errorf("payload = %s, want %s", published[0].Payload, tt.wantPayload)
			}
			if published[0].Retained {
				t.Error("commands must not be retained")
			}
		})
	}
}

func TestCommands_NotConnected(t *testing.T) {
	coord, err := New(Options{
		Config: testBusConfig(),
		Topics: Topics{Root: "mesh"},
		Dial:   func(config.MQTTConfig) (BusClient, error) { return NewMockBusClient(), nil },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := coord.SetPower(KindLights, "Kitchen", true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetPower() before connect error = %v, want ErrNotConnected", err)
	}
}

func TestCommands_BusConnectionLost(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)

	bus.SetConnected(false)

	if err := coord.RecallScene("Evening"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RecallScene() error = %v, want ErrNotConnected", err)
	}
	if got := len(bus.GetPublished()); got != 0 {
		t.Errorf("published %d messages while disconnected, want 0", got)
	}
}

func TestCommands_PublishError(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)

	pubErr := errors.New("broker rejected")
	bus.SetPublishError(pubErr)

	if err := coord.SetLightness(KindLights, "Kitchen", 0.5); !errors.Is(err, pubErr) {
		t.Errorf("SetLightness() error = %v, should wrap publish error", err)
	}
}

// ============================================================
// Optimistic status
// ============================================================

func TestApplyOptimisticStatus(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen"}]`))
	waitUpdates(t, updates, 1)

	coord.ApplyOptimisticStatus(KindLights, "Kitchen", map[string]any{
		"onOff":     "on",
		"lightness": 0.5,
	})

	// The write completed before return, no waiting needed.
	kitchen, _ := coord.Light("Kitchen")
	if !kitchen.Status.PowerOn() {
		t.Error("optimistic onOff should be visible immediately")
	}
	if got, _ := kitchen.Status.Lightness(); got != 0.5 {
		t.Errorf("Lightness() = %v, want 0.5", got)
	}

	// Optimistic writes do not notify observers.
	assertNoUpdate(t, updates)
}

func TestApplyOptimisticStatus_UnknownDevice(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)

	coord.ApplyOptimisticStatus(KindLights, "Ghost", map[string]any{"onOff": "on"})

	if _, ok := coord.Light("Ghost"); ok {
		t.Error("optimistic writes must not create devices")
	}
}

func TestApplyOptimisticStatus_BeforeConnect(t *testing.T) {
	coord, err := New(Options{
		Config: testBusConfig(),
		Topics: Topics{Root: "mesh"},
		Dial:   func(config.MQTTConfig) (BusClient, error) { return NewMockBusClient(), nil },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Must not block or panic without a running event loop.
	coord.ApplyOptimisticStatus(KindLights, "Kitchen", map[string]any{"onOff": "on"})
}

// ============================================================
// Snapshot isolation
// ============================================================

func TestSnapshots_AreDeepCopies(t *testing.T) {
	bus := NewMockBusClient()
	coord := newConnectedCoordinator(t, bus, nil)
	updates := watchUpdates(t, coord)

	bus.SimulateMessage("mesh/lights", []byte(`[{"name":"Kitchen","supports_ctl":true}]`))
	bus.SimulateMessage("mesh/lights/Kitchen/status", []byte(`{"onOff":"on"}`))
	bus.SimulateMessage("mesh/scenes", []byte(`[{"name":"Evening","room":"living"}]`))
	waitUpdates(t, updates, 3)

	kitchen, _ := coord.Light("Kitchen")
	kitchen.Status["onOff"] = "off"
	kitchen.Capabilities[0] = Capability("tampered")

	evening, _ := coord.Scene("Evening")
	evening.Metadata["room"] = "tampered"

	fresh, _ := coord.Light("Kitchen")
	if !fresh.Status.PowerOn() {
		t.Error("mutating a snapshot must not affect the registry")
	}
	if fresh.Capabilities[0] != CapabilityBrightness {
		t.Error("mutating snapshot capabilities must not affect the registry")
	}
	freshScene, _ := coord.Scene("Evening")
	if freshScene.Metadata["room"] != "living" {
		t.Error("mutating scene metadata must not affect the registry")
	}
}
