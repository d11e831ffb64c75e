// Package cache provides the tiered durable storage for synthesized audio.
// It includes a device store (payload files plus a JSON manifest on a
// filesystem), a byte store (a bbolt key/value database with native key
// enumeration), a Resolver that reads them in fallback order and writes
// through to all of them, and a HandleTable of process-local buffers for
// audio already resolved in the current session.
package cache
