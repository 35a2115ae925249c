// Package domain holds the core orchestration model: artifact kinds, stage
// definitions and instances, per-participant DAGs, the run record, and the
// error taxonomy shared by every component.
//
// Types here are deliberately free of infrastructure concerns; adapters and
// application packages depend on domain, never the other way around.
package domain
