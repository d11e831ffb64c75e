package synth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/dgnsrekt/versecache/internal/ttypes"
)

// Common synthesis errors
var (
	// ErrEmptyResponse is returned when the service answered without audio.
	ErrEmptyResponse = errors.New("generation response contains no audio")

	// ErrNoFetcher is returned when a URL response cannot be downloaded.
	ErrNoFetcher = errors.New("no fetcher for audio url")
)

// Request asks the service to speak Text with Voice. Identity is sent along
// so the service can log and cache on its side.
type Request struct {
	Text     string
	Voice    string
	Identity ttypes.AudioIdentity
}

// Response is what the service returns. Exactly one of AudioURL and
// AudioContent is expected to be set; AudioContent is base64, optionally as
// a data URI.
type Response struct {
	AudioURL     string `json:"audioUrl,omitempty"`
	AudioContent string `json:"audioContent,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
}

// Generator produces speech for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Fetcher downloads audio referenced by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Stage names the step of a remote fetch that failed.
type Stage string

const (
	StageGenerate Stage = "generate"
	StageDownload Stage = "download"
	StageDecode   Stage = "decode"
)

// FetchError reports a failed remote fetch for one cache key.
type FetchError struct {
	Key   ttypes.CacheKey
	Stage Stage
	Cause error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	return fmt.Sprintf("remote fetch %s failed at %s: %v", e.Key, e.Stage, e.Cause)
}

// Unwrap returns the underlying error
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Synthesize generates audio for req and returns the raw bytes. URL
// responses are downloaded with fetcher. Every failure is a *FetchError.
func Synthesize(ctx context.Context, gen Generator, fetcher Fetcher, req Request) ([]byte, error) {
	key, err := ttypes.DeriveKey(req.Identity)
	if err != nil {
		return nil, &FetchError{Stage: StageGenerate, Cause: err}
	}

	resp, err := gen.Generate(ctx, req)
	if err != nil {
		return nil, &FetchError{Key: key, Stage: StageGenerate, Cause: err}
	}
	if resp == nil {
		return nil, &FetchError{Key: key, Stage: StageGenerate, Cause: ErrEmptyResponse}
	}

	data, stage, err := normalize(ctx, fetcher, resp)
	if err != nil {
		return nil, &FetchError{Key: key, Stage: stage, Cause: err}
	}
	return data, nil
}

// Normalize turns a response of either shape into raw audio bytes.
func Normalize(ctx context.Context, fetcher Fetcher, resp *Response) ([]byte, error) {
	data, _, err := normalize(ctx, fetcher, resp)
	return data, err
}

func normalize(ctx context.Context, fetcher Fetcher, resp *Response) ([]byte, Stage, error) {
	switch {
	case resp.AudioContent != "":
		data, err := decodeInline(resp.AudioContent)
		if err != nil {
			return nil, StageDecode, err
		}
		if len(data) == 0 {
			return nil, StageDecode, ErrEmptyResponse
		}
		return data, "", nil

	case strings.HasPrefix(resp.AudioURL, "data:"):
		data, err := decodeInline(resp.AudioURL)
		if err != nil {
			return nil, StageDecode, err
		}
		if len(data) == 0 {
			return nil, StageDecode, ErrEmptyResponse
		}
		return data, "", nil

	case resp.AudioURL != "":
		if fetcher == nil {
			return nil, StageDownload, ErrNoFetcher
		}
		data, err := fetcher.Fetch(ctx, resp.AudioURL)
		if err != nil {
			return nil, StageDownload, err
		}
		if len(data) == 0 {
			return nil, StageDownload, ErrEmptyResponse
		}
		return data, "", nil

	default:
		return nil, StageGenerate, ErrEmptyResponse
	}
}

// decodeInline decodes base64 audio, accepting a data URI prefix and
// unpadded input.
func decodeInline(content string) ([]byte, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "data:") {
		comma := strings.IndexByte(content, ',')
		if comma < 0 {
			return nil, errors.New("malformed data uri")
		}
		if !strings.HasSuffix(content[:comma], ";base64") {
			return nil, errors.New("data uri is not base64")
		}
		content = content[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(content, "="))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 audio: %w", err)
		}
	}
	return data, nil
}
