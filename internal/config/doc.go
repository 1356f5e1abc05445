// Package config provides configuration management for the megaservice.
//
// Configuration is loaded from environment variables using the env package.
// The execution graph is declared either through PIPELINE_* variables plus
// per-node <NODE>_SERVICE_* variables, or through a YAML file named by
// PIPELINE_FILE.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
