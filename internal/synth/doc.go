// Package synth talks to the remote speech generation service.
//
// A Generator turns text into a Response that carries the audio either
// inline (base64) or as a URL to download. Synthesize normalizes both
// shapes into raw bytes and wraps every failure in a FetchError.
package synth
