package narration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/cache"
	"github.com/dgnsrekt/versecache/internal/queue"
	"github.com/dgnsrekt/versecache/internal/synth"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"github.com/spf13/afero"
)

// mapTexts serves verse text from memory.
type mapTexts map[ttypes.CacheKey]string

func (m mapTexts) Text(id ttypes.AudioIdentity) (string, error) {
	text, ok := m[id.Key()]
	if !ok {
		return "", fmt.Errorf("no text for %s", id)
	}
	return text, nil
}

type testEnv struct {
	ctrl     *Controller
	mock     *synth.Mock
	resolver *cache.Resolver
	ids      []ttypes.AudioIdentity
}

func newTestEnv(t *testing.T, mock *synth.Mock) *testEnv {
	t.Helper()
	logger := log.New(io.Discard)

	device, err := cache.NewDeviceStore(cache.DeviceOptions{
		Fs:     afero.NewMemMapFs(),
		Dir:    "/cache/audio",
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewDeviceStore failed: %v", err)
	}
	bytestore, err := cache.OpenByteStore(filepath.Join(t.TempDir(), "bytestore.db"), logger)
	if err != nil {
		t.Fatalf("OpenByteStore failed: %v", err)
	}
	resolver := cache.NewResolver(logger, device, bytestore)
	t.Cleanup(func() { _ = resolver.Close() })

	texts := mapTexts{}
	var ids []ttypes.AudioIdentity
	for v := 14; v <= 18; v++ {
		id := ttypes.VerseIdentity("John", 3, v, "v1")
		texts[id.Key()] = fmt.Sprintf("John three %d", v)
		ids = append(ids, id)
	}

	ctrl, err := New(Options{
		Resolver:  resolver,
		Handles:   cache.NewHandleTable(0),
		Scheduler: queue.NewScheduler(queue.Options{MaxConcurrent: 2, Checker: resolver, Logger: logger}),
		Generator: mock,
		Texts:     texts,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	return &testEnv{ctrl: ctrl, mock: mock, resolver: resolver, ids: ids}
}

func TestController_LoadTiers(t *testing.T) {
	env := newTestEnv(t, &synth.Mock{})
	ctx := context.Background()
	id := ttypes.VerseIdentity("John", 3, 16, "v1")

	res, err := env.ctrl.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Source != SourceRemote {
		t.Errorf("First load source = %q, want %q", res.Source, SourceRemote)
	}
	if res.Key != "verse://John/3/16/v1" {
		t.Errorf("Key = %q", res.Key)
	}
	if res.Handle.Len() != 4096 {
		t.Errorf("Handle length = %d, want 4096", res.Handle.Len())
	}

	again, err := env.ctrl.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if again.Source != SourceHandle {
		t.Errorf("Second load source = %q, want %q", again.Source, SourceHandle)
	}
	if again.Handle != res.Handle {
		t.Error("Second load returned a different handle")
	}

	env.ctrl.Teardown()
	if !res.Handle.Released() {
		t.Error("Handle not released by Teardown")
	}

	stored, err := env.ctrl.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if stored.Source != cache.DeviceStoreName {
		t.Errorf("Load after teardown source = %q, want %q", stored.Source, cache.DeviceStoreName)
	}

	data, err := stored.Handle.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	want := synth.MockAudio(synth.Request{Text: "John three 16", Voice: "v1"}, 0)
	if string(data) != string(want) {
		t.Error("Stored audio differs from generated audio")
	}
	if env.mock.Calls() != 1 {
		t.Errorf("Generator called %d times, want 1", env.mock.Calls())
	}
}

func TestController_SharedFetch(t *testing.T) {
	env := newTestEnv(t, &synth.Mock{Delay: 100 * time.Millisecond})
	id := env.ids[2]

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ctrl.Load(context.Background(), id)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	env.ctrl.Preload(id, 0)

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Load failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.ctrl.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if env.mock.Calls() != 1 {
		t.Errorf("Generator called %d times, want 1", env.mock.Calls())
	}
	if env.ctrl.Handles().Len() != 1 {
		t.Errorf("Handle count = %d, want 1", env.ctrl.Handles().Len())
	}
}

func TestController_PreloadAhead(t *testing.T) {
	env := newTestEnv(t, &synth.Mock{Size: 256})

	if n := env.ctrl.PreloadAhead(1, env.ids, 3); n != 3 {
		t.Fatalf("PreloadAhead queued %d, want 3", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.ctrl.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	for i, id := range env.ids {
		want := i >= 1 && i <= 3
		if got := env.resolver.Has(id.Key()); got != want {
			t.Errorf("%s cached = %v, want %v", id, got, want)
		}
	}

	if n := env.ctrl.Handles().Len(); n != 3 {
		t.Errorf("Handles after prefetch = %d, want 3", n)
	}

	// Everything in the window is cached now.
	if n := env.ctrl.PreloadAhead(1, env.ids, 3); n != 0 {
		t.Errorf("Second PreloadAhead queued %d, want 0", n)
	}
	if env.mock.Calls() != 3 {
		t.Errorf("Generator called %d times, want 3", env.mock.Calls())
	}

	res, err := env.ctrl.Load(ctx, env.ids[2])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Source != SourceHandle {
		t.Errorf("Preloaded verse source = %s, want %s", res.Source, SourceHandle)
	}

	for _, tt := range []struct {
		name  string
		start int
		count int
	}{
		{"negative start", -1, 2},
		{"start past end", len(env.ids), 2},
		{"zero count", 0, 0},
	} {
		if n := env.ctrl.PreloadAhead(tt.start, env.ids, tt.count); n != 0 {
			t.Errorf("%s: queued %d", tt.name, n)
		}
	}
}

func TestController_FetchFailure(t *testing.T) {
	boom := errors.New("service unavailable")
	env := newTestEnv(t, &synth.Mock{Err: boom})

	_, err := env.ctrl.Load(context.Background(), env.ids[0])
	var fetchErr *synth.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Expected *synth.FetchError, got %v", err)
	}
	if fetchErr.Stage != synth.StageGenerate {
		t.Errorf("Stage = %q, want %q", fetchErr.Stage, synth.StageGenerate)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected cause %v, got %v", boom, err)
	}
	if env.resolver.Has(env.ids[0].Key()) {
		t.Error("Failed fetch was cached")
	}

	// Failures are not remembered; the next load retries.
	env.mock.Err = nil
	if _, err := env.ctrl.Load(context.Background(), env.ids[0]); err != nil {
		t.Errorf("Retry failed: %v", err)
	}
}

func TestController_MissingText(t *testing.T) {
	env := newTestEnv(t, &synth.Mock{})

	if _, err := env.ctrl.Load(context.Background(), ttypes.VerseIdentity("Ruth", 1, 1, "v1")); err == nil {
		t.Error("Expected error for unknown text")
	}
	if env.mock.Calls() != 0 {
		t.Errorf("Generator called %d times, want 0", env.mock.Calls())
	}
}

func TestController_LoadCanceled(t *testing.T) {
	env := newTestEnv(t, &synth.Mock{Delay: 500 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := env.ctrl.Load(ctx, env.ids[0]); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestController_ClearCache(t *testing.T) {
	env := newTestEnv(t, &synth.Mock{Size: 128})
	ctx := context.Background()

	res, err := env.ctrl.Load(ctx, env.ids[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := env.ctrl.ClearCache(); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}
	if !res.Handle.Released() {
		t.Error("Handle survived ClearCache")
	}
	if env.resolver.TotalSizeBytes() != 0 {
		t.Errorf("Cache size = %d after clear", env.resolver.TotalSizeBytes())
	}

	res, err = env.ctrl.Load(ctx, env.ids[0])
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Source != SourceRemote {
		t.Errorf("Source after clear = %q, want %q", res.Source, SourceRemote)
	}
}

func TestController_Close(t *testing.T) {
	env := newTestEnv(t, &synth.Mock{})

	if err := env.ctrl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := env.ctrl.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if _, err := env.ctrl.Load(context.Background(), env.ids[0]); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if env.ctrl.Preload(env.ids[0], 0) {
		t.Error("Preload queued after Close")
	}
}

func TestNew_MissingDependency(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("Expected ErrMissingDependency, got %v", err)
	}
}
