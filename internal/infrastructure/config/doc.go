// Package config provides configuration loading for Meshgate.
//
// Configuration is loaded from a YAML file, with environment variable
// overrides applied on top. Defaults keep a bare config file usable for
// local development against an anonymous broker.
//
// # Loading Order
//
//  1. Hardcoded defaults
//  2. YAML file values
//  3. Environment variables (MESHGATE_SECTION_KEY)
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.Topic)
//
// Validation runs as part of Load; a Config obtained from Load is always
// structurally valid (root topic well-formed, ports and QoS in range).
package config
