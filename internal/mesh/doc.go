// Package mesh mirrors a Bluetooth-mesh lighting gateway over MQTT.
//
// The gateway announces its inventory on three discovery topics and
// streams per-device status on two wildcard patterns; the coordinator
// subscribes to all five, keeps an in-memory registry of lights, groups,
// and scenes, and translates control operations into the gateway's
// command topics and payloads.
//
// # Architecture
//
//	Coordinator ↔ MQTT Broker ↔ Mesh Gateway
//
// All inbound messages funnel through a bounded queue into a single
// event-loop goroutine, the sole registry writer. Snapshot accessors
// hand out deep copies, so callers never see a partially merged update
// and cannot mutate coordinator state through a returned value.
//
// The registry lives exactly as long as the process. After a restart it
// is rebuilt from the gateway's next discovery announcements.
//
// # Usage
//
//	coord, err := mesh.New(mesh.Options{
//	    Config: cfg.MQTT,
//	    Topics: mesh.Topics{Root: cfg.Gateway.Topic},
//	    Dial:   dialBus,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := coord.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Disconnect()
//
//	cancel := coord.Subscribe(func() {
//	    for _, light := range coord.Lights() {
//	        fmt.Println(light.Name, light.Status.PowerOn())
//	    }
//	})
//	defer cancel()
//
//	coord.SetPower(mesh.KindLights, "Kitchen", true)
package mesh
