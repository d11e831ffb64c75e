// Package queue schedules background prefetch of audio.
// Tasks are keyed by cache key, ordered by priority and run with bounded
// concurrency; duplicate and already cached keys are discarded on enqueue.
package queue
