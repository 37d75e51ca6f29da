// Package mqtt provides MQTT client connectivity for Meshgate.
//
// This package manages:
//   - Connection to the broker the lighting-mesh gateway publishes on
//   - Message publishing (at-most-once from the bridge's perspective)
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for bridge offline detection
//   - Automatic re-subscription after a lost connection recovers
//
// # Architecture
//
// The gateway and the bridge share a broker; the broker decouples the
// bridge from the gateway firmware.
//
//	Meshgate Coordinator ↔ MQTT Broker ↔ Mesh Gateway
//
// A failed initial connect is reported to the caller and never retried by
// this package. Lost connections after a successful connect are retried
// with exponential backoff (built into the paho client), and tracked
// subscriptions are restored once the broker is reachable again.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("mesh/lights/+/status", 0,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.Publish("mesh/lights/Kitchen/power", []byte(`{"onOff":"on"}`), 0, false)
package mqtt
