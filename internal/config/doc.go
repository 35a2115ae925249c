// Package config provides configuration management for the dwiprep
// orchestrator.
//
// Configuration is a layered merge: built-in defaults, then a YAML file,
// then environment variables, then explicit CLI overrides. The result is
// validated once and immutable for the rest of the run.
//
// Example usage:
//
//	cfg, err := config.Load(path, config.Overrides{DatasetDir: root})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
