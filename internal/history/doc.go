// Package history records gateway-reported device status in InfluxDB.
//
// Every status update the coordinator merges is written as a point on
// the device_status measurement, tagged by device kind and name. This
// gives a queryable time series of what the mesh actually reported
// (optimistic local predictions are never recorded), without making the
// bridge itself stateful: the registry still lives purely in memory and
// the bridge runs unchanged when history is disabled.
//
// # Usage
//
//	recorder, err := history.Connect(cfg.History)
//	if errors.Is(err, history.ErrDisabled) {
//	    recorder = nil // Coordinator treats a nil recorder as "off"
//	}
package history
