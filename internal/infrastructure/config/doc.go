// Package config handles loading and validating avlinkd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with AVLINK_* environment variables
//   - Per-device transport settings and their validation
//
// Sensitive values (MQTT password, InfluxDB token, JWT secret) should be set
// via environment variables rather than committed to the config file.
//
// Usage:
//
//	cfg, err := config.Load(config.ResolvePath(flagPath))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.ID, d.Transport)
//	}
package config
