package synth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"
)

// Mock is an in-process Generator. It returns deterministic inline audio
// derived from the request so repeated runs produce identical bytes.
type Mock struct {
	// Delay simulates service latency. Generate honors ctx while waiting.
	Delay time.Duration

	// Err, when set, is returned from every call.
	Err error

	// Size is the generated payload length, default 4096.
	Size int

	calls atomic.Int64

	mu       sync.Mutex
	requests []Request
}

// Generate implements Generator.
func (m *Mock) Generate(ctx context.Context, req Request) (*Response, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if m.Err != nil {
		return nil, m.Err
	}

	return &Response{
		AudioContent: base64.StdEncoding.EncodeToString(MockAudio(req, m.Size)),
		ContentType:  "audio/mpeg",
	}, nil
}

// Calls returns the number of Generate calls.
func (m *Mock) Calls() int {
	return int(m.calls.Load())
}

// Requests returns a copy of the received requests.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Request(nil), m.requests...)
}

// MockAudio returns the bytes Mock generates for req.
func MockAudio(req Request, size int) []byte {
	if size <= 0 {
		size = 4096
	}
	seed := sha256.Sum256([]byte(req.Voice + "\x00" + req.Text))
	data := make([]byte, size)
	for i := range data {
		data[i] = seed[i%len(seed)] ^ byte(i)
	}
	return data
}

var _ Generator = (*Mock)(nil)
