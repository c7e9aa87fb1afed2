// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It covers the MCP and REST surfaces, logging,
// the sandbox launcher and identity pool, default execution limits, and the
// test runner profiles that describe how a runner is invoked and how its
// structured report is collected.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Launcher: %s\n", cfg.Sandbox.Launcher)
package config
