// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups, for external monitors
//   - memory: in-process synchronous bus, for tests and single-node runs
package events
