// Package config provides configuration loading for the simulator.
//
// Configuration is loaded from a YAML file with environment variable
// overrides (SIMULATOR_* pattern). Defaults are applied first, then file
// values, then environment overrides, and the result is validated before
// use.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	ttl := cfg.GetSessionTTL()
package config
