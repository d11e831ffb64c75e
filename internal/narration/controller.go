package narration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/cache"
	"github.com/dgnsrekt/versecache/internal/queue"
	"github.com/dgnsrekt/versecache/internal/synth"
	"github.com/dgnsrekt/versecache/internal/ttypes"
	"golang.org/x/sync/singleflight"
)

// Sources reported by Load besides backend names.
const (
	SourceHandle = "handle"
	SourceRemote = "remote"
)

var (
	// ErrClosed is returned by Load after Close.
	ErrClosed = errors.New("controller is closed")

	// ErrMissingDependency is returned by New when a required component is
	// nil.
	ErrMissingDependency = errors.New("missing controller dependency")
)

// TextSource provides the text to speak for an identity.
type TextSource interface {
	Text(id ttypes.AudioIdentity) (string, error)
}

// Options holds the components a Controller coordinates.
type Options struct {
	Resolver  *cache.Resolver
	Handles   *cache.HandleTable
	Scheduler *queue.Scheduler
	Generator synth.Generator

	// Fetcher downloads URL responses. Optional when the generator always
	// answers inline.
	Fetcher synth.Fetcher

	Texts  TextSource
	Logger *log.Logger
}

// Result is a loaded audio unit.
type Result struct {
	Key    ttypes.CacheKey
	Handle *cache.Handle
	Source string
}

// Stats aggregates the counters of the controller and its components.
type Stats struct {
	Loads         int64
	RemoteFetches int64
	SharedFetches int64 // Loads or preloads that joined an in-flight fetch
	Resolver      cache.ResolverStats
	Handles       cache.HandleStats
	Scheduler     queue.Stats
}

// Controller coordinates the handle table, the durable cache, the
// prefetch scheduler and the remote generator for one session.
type Controller struct {
	resolver  *cache.Resolver
	handles   *cache.HandleTable
	scheduler *queue.Scheduler
	generator synth.Generator
	fetcher   synth.Fetcher
	texts     TextSource
	log       *log.Logger

	// fetches shares one remote fetch per key between foreground loads
	// and prefetch tasks.
	fetches singleflight.Group

	// ctx bounds shared fetches; canceled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool

	loads         atomic.Int64
	remoteFetches atomic.Int64
	sharedFetches atomic.Int64
}

// New creates a controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Resolver == nil:
		return nil, fmt.Errorf("%w: resolver", ErrMissingDependency)
	case opts.Handles == nil:
		return nil, fmt.Errorf("%w: handle table", ErrMissingDependency)
	case opts.Scheduler == nil:
		return nil, fmt.Errorf("%w: scheduler", ErrMissingDependency)
	case opts.Generator == nil:
		return nil, fmt.Errorf("%w: generator", ErrMissingDependency)
	case opts.Texts == nil:
		return nil, fmt.Errorf("%w: text source", ErrMissingDependency)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		resolver:  opts.Resolver,
		handles:   opts.Handles,
		scheduler: opts.Scheduler,
		generator: opts.Generator,
		fetcher:   opts.Fetcher,
		texts:     opts.Texts,
		log:       opts.Logger.WithPrefix("narration"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Resolver returns the durable cache the controller reads and fills.
func (c *Controller) Resolver() *cache.Resolver {
	return c.resolver
}

// Handles returns the session handle table.
func (c *Controller) Handles() *cache.HandleTable {
	return c.handles
}

// Load returns playable audio for id. It never waits on the prefetch
// queue: a miss fetches immediately, joining a prefetch of the same key
// if one is already in flight.
func (c *Controller) Load(ctx context.Context, id ttypes.AudioIdentity) (Result, error) {
	if c.closed.Load() {
		return Result{}, ErrClosed
	}

	key, err := ttypes.DeriveKey(id)
	if err != nil {
		return Result{}, err
	}
	c.loads.Add(1)

	if h, ok := c.handles.Get(key); ok {
		return Result{Key: key, Handle: h, Source: SourceHandle}, nil
	}

	if hit, ok := c.resolver.ResolveKey(key); ok {
		h := c.handles.LoadOrRegister(key, cache.NewHandle(key, hit.Data))
		return Result{Key: key, Handle: h, Source: hit.Source}, nil
	}

	data, err := c.fetch(ctx, id, key)
	if err != nil {
		return Result{}, err
	}

	h := c.handles.LoadOrRegister(key, cache.NewHandle(key, data))
	return Result{Key: key, Handle: h, Source: SourceRemote}, nil
}

// Preload queues a background fetch of id. It reports whether a task was
// queued; cached, pending and in-flight keys are skipped.
func (c *Controller) Preload(id ttypes.AudioIdentity, priority int) bool {
	task, ok := c.task(id)
	if !ok {
		return false
	}
	task.Priority = priority
	return c.scheduler.Enqueue(task)
}

// PreloadAhead queues ids[start:start+count] with priority equal to the
// distance from start. It returns the number of tasks queued.
func (c *Controller) PreloadAhead(start int, ids []ttypes.AudioIdentity, count int) int {
	if start < 0 || start >= len(ids) || count <= 0 {
		return 0
	}

	end := min(start+count, len(ids))
	tasks := make([]queue.Task, len(ids))
	for i := start; i < end; i++ {
		if task, ok := c.task(ids[i]); ok {
			tasks[i] = task
		}
	}
	return c.scheduler.PreloadAhead(start, tasks, count)
}

// ClearCache empties the durable cache and the handle table.
func (c *Controller) ClearCache() error {
	c.handles.ReleaseAll()
	return c.resolver.ClearAll()
}

// Teardown ends a playback session: pending prefetches are dropped and
// every handle is released. Running fetches finish and are still stored.
func (c *Controller) Teardown() {
	dropped := c.scheduler.ClearPending()
	c.handles.ReleaseAll()
	c.log.Debug("Session torn down", "dropped", dropped)
}

// Wait blocks until the prefetch queue is idle.
func (c *Controller) Wait(ctx context.Context) error {
	return c.scheduler.Wait(ctx)
}

// Stats returns a snapshot of the controller statistics.
func (c *Controller) Stats() Stats {
	return Stats{
		Loads:         c.loads.Load(),
		RemoteFetches: c.remoteFetches.Load(),
		SharedFetches: c.sharedFetches.Load(),
		Resolver:      c.resolver.Stats(),
		Handles:       c.handles.Stats(),
		Scheduler:     c.scheduler.Stats(),
	}
}

// Close tears down the session, stops the scheduler and cancels in-flight
// fetches. The resolver is left open for its owner to close.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.Teardown()
		c.cancel()
		_ = c.scheduler.Close()
	})
	return nil
}

// task builds the prefetch task for id. A completed task leaves the audio
// stored and registered in the handle table.
func (c *Controller) task(id ttypes.AudioIdentity) (queue.Task, bool) {
	key, err := ttypes.DeriveKey(id)
	if err != nil {
		c.log.Warn("Skipping preload", "identity", id, "err", err)
		return queue.Task{}, false
	}

	return queue.Task{
		ID: key,
		Execute: func(ctx context.Context) error {
			data, err := c.fetch(ctx, id, key)
			if err != nil {
				return err
			}
			if !c.closed.Load() {
				c.handles.LoadOrRegister(key, cache.NewHandle(key, data))
			}
			return nil
		},
	}, true
}

// fetch generates audio for id, stores it and returns it. Concurrent calls
// for the same key share one remote request. The caller stops waiting when
// ctx is done; the shared request keeps running under the controller
// context so other waiters still get the result.
func (c *Controller) fetch(ctx context.Context, id ttypes.AudioIdentity, key ttypes.CacheKey) ([]byte, error) {
	ch := c.fetches.DoChan(string(key), func() (interface{}, error) {
		return c.fetchRemote(id, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.sharedFetches.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *Controller) fetchRemote(id ttypes.AudioIdentity, key ttypes.CacheKey) ([]byte, error) {
	// A prefetch may have stored the key between the caller's miss and now.
	if hit, ok := c.resolver.ResolveKey(key); ok {
		return hit.Data, nil
	}

	text, err := c.texts.Text(id)
	if err != nil {
		return nil, fmt.Errorf("no text for %s: %w", id, err)
	}

	c.remoteFetches.Add(1)
	data, err := synth.Synthesize(c.ctx, c.generator, c.fetcher, synth.Request{
		Text:     text,
		Voice:    id.Voice,
		Identity: id,
	})
	if err != nil {
		return nil, err
	}

	if err := c.resolver.WriteThrough(id, data); err != nil {
		c.log.Warn("Audio fetched but not stored", "key", key, "err", err)
	}
	c.log.Debug("Fetched", "key", key, "bytes", len(data))

	return data, nil
}
