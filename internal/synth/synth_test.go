package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/ttypes"
)

func testRequest() Request {
	return Request{
		Text:     "For God so loved the world",
		Voice:    "v1",
		Identity: ttypes.VerseIdentity("John", 3, 16, "v1"),
	}
}

func newTestClient(t *testing.T, url string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPConfig{
		Endpoint: url,
		APIKey:   "secret",
		Timeout:  5 * time.Second,
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return c
}

func TestHTTPClient_InlineAudio(t *testing.T) {
	audio := []byte("ID3 fake mp3 bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != defaultUserAgent {
			t.Errorf("User-Agent = %q", got)
		}

		var body generateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		if body.Kind != "verse" || body.Book != "John" || body.Chapter != 3 || body.Verse == nil || *body.Verse != 16 {
			t.Errorf("Unexpected body %+v", body)
		}

		json.NewEncoder(w).Encode(Response{AudioContent: base64.StdEncoding.EncodeToString(audio)})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	got, err := Synthesize(context.Background(), c, c, testRequest())
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("Audio = %q, want %q", got, audio)
	}
}

func TestHTTPClient_URLAudio(t *testing.T) {
	audio := bytes.Repeat([]byte{0xff, 0xfb}, 2048)

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{AudioURL: srv.URL + "/audio/1.mp3"})
	})
	mux.HandleFunc("/audio/1.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write(audio)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/generate")
	got, err := Synthesize(context.Background(), c, c, testRequest())
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(got) != 4096 {
		t.Errorf("Audio length = %d, want 4096", len(got))
	}
}

func TestHTTPClient_FetchForeignHost(t *testing.T) {
	var auth atomic.Value
	auth.Store("unset")
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write([]byte("audio"))
	}))
	defer cdn.Close()

	c := newTestClient(t, "https://api.example.com/tts")
	got, err := c.Fetch(context.Background(), cdn.URL+"/audio/1.mp3")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(got) != "audio" {
		t.Errorf("Fetch = %q", got)
	}
	if a := auth.Load().(string); a != "" {
		t.Errorf("Foreign host received Authorization %q", a)
	}
}

func TestHTTPClient_FetchSameHost(t *testing.T) {
	var auth atomic.Value
	auth.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write([]byte("audio"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/generate")
	if _, err := c.Fetch(context.Background(), srv.URL+"/audio/1.mp3"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if a := auth.Load().(string); a != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer token", a)
	}
}

func TestHTTPClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		stage   Stage
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			stage: StageGenerate,
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{"))
			},
			stage: StageGenerate,
		},
		{
			name: "empty response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{}"))
			},
			stage: StageGenerate,
		},
		{
			name: "bad base64",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(Response{AudioContent: "***"})
			},
			stage: StageDecode,
		},
		{
			name: "download fails",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					json.NewEncoder(w).Encode(Response{AudioURL: "http://" + r.Host + "/missing"})
					return
				}
				http.NotFound(w, r)
			},
			stage: StageDownload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			_, err := Synthesize(context.Background(), c, c, testRequest())

			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("Expected *FetchError, got %v", err)
			}
			if fe.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q", fe.Stage, tt.stage)
			}
			if fe.Key != "verse://John/3/16/v1" {
				t.Errorf("Key = %q", fe.Key)
			}
		})
	}
}

func TestHTTPClient_RateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(Response{AudioContent: "AAAA"})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{Endpoint: srv.URL, RequestsPerMinute: 1, Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, testRequest()); err == nil {
		t.Error("Expected second call to be rate limited")
	}
	if hits.Load() != 1 {
		t.Errorf("Server saw %d requests, want 1", hits.Load())
	}
}

func TestNewHTTPClient_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://host/x", "not a url", "http://"} {
		if _, err := NewHTTPClient(HTTPConfig{Endpoint: endpoint}); err == nil {
			t.Errorf("Expected error for endpoint %q", endpoint)
		}
	}
}

func TestNormalize(t *testing.T) {
	audio := []byte{1, 2, 3, 4, 5}
	std := base64.StdEncoding.EncodeToString(audio)
	raw := base64.RawStdEncoding.EncodeToString(audio)

	tests := []struct {
		name string
		resp Response
	}{
		{"inline", Response{AudioContent: std}},
		{"inline unpadded", Response{AudioContent: raw}},
		{"inline data uri", Response{AudioContent: "data:audio/mpeg;base64," + std}},
		{"url data uri", Response{AudioURL: "data:audio/mpeg;base64," + std}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(context.Background(), nil, &tt.resp)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if !bytes.Equal(got, audio) {
				t.Errorf("Got %v, want %v", got, audio)
			}
		})
	}

	if _, err := Normalize(context.Background(), nil, &Response{AudioURL: "https://cdn/x.mp3"}); !errors.Is(err, ErrNoFetcher) {
		t.Errorf("Expected ErrNoFetcher, got %v", err)
	}
	if _, err := Normalize(context.Background(), nil, &Response{}); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
	if _, err := Normalize(context.Background(), nil, &Response{AudioContent: "data:audio/mpeg,plain"}); err == nil {
		t.Error("Expected error for non-base64 data uri")
	}
}

func TestMock(t *testing.T) {
	m := &Mock{Size: 128}
	req := testRequest()

	first, err := Synthesize(context.Background(), m, nil, req)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	second, _ := Synthesize(context.Background(), m, nil, req)

	if len(first) != 128 || !bytes.Equal(first, second) {
		t.Error("Mock audio is not deterministic")
	}
	if m.Calls() != 2 || len(m.Requests()) != 2 {
		t.Errorf("Calls = %d, want 2", m.Calls())
	}

	failing := &Mock{Err: errors.New("offline")}
	if _, err := Synthesize(context.Background(), failing, nil, req); err == nil {
		t.Error("Expected error from failing mock")
	}

	slow := &Mock{Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Synthesize(ctx, slow, nil, req); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
