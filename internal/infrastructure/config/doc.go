// Package config handles loading and validating the Wemo bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading an optional .env file, then overriding with environment variables
//   - Enforcing floors on discovery, polling and subscription intervals
//   - Validation of required fields and per-device overrides
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Wemo.GetDiscoveryInterval())
package config
