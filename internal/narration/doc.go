// Package narration is the session-level entry point used by playback.
// A Controller loads audio for the unit about to play (process handles,
// then durable cache, then the remote service) and keeps the units after
// it warm through the prefetch scheduler.
package narration
