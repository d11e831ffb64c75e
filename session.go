package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/cache"
	"github.com/dgnsrekt/versecache/internal/catalog"
	"github.com/dgnsrekt/versecache/internal/config"
	"github.com/dgnsrekt/versecache/internal/narration"
	"github.com/dgnsrekt/versecache/internal/queue"
	"github.com/dgnsrekt/versecache/internal/synth"
	"github.com/spf13/afero"
)

// session owns the components opened for one command.
type session struct {
	cfg      config.Config
	fs       afero.Fs
	log      *log.Logger
	resolver *cache.Resolver
	runtime  cache.Runtime

	catalog *catalog.Catalog
	ctrl    *narration.Controller
}

// openSession opens the durable cache.
func openSession(cfg config.Config, fsys afero.Fs, logger *log.Logger) (*session, error) {
	opts := cfg.CacheOptions()
	opts.Fs = fsys
	opts.Logger = logger

	resolver, runtime, err := cache.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache: %w", err)
	}
	logger.Debug("Cache opened", "runtime", runtime, "backends", resolver.Backends())

	return &session{
		cfg:      cfg,
		fs:       fsys,
		log:      logger,
		resolver: resolver,
		runtime:  runtime,
	}, nil
}

// controller builds the playback side of the session: catalog, generator,
// scheduler and handle table. The cleanup loop starts with it.
func (s *session) controller(ctx context.Context) (*narration.Controller, error) {
	if s.ctrl != nil {
		return s.ctrl, nil
	}

	cat, err := catalog.Open(s.fs, s.cfg.Catalog.Dir, s.log)
	if err != nil {
		return nil, err
	}
	if s.cfg.Catalog.Watch {
		go func() {
			if err := cat.Watch(ctx); err != nil {
				s.log.Warn("Catalog watch stopped", "err", err)
			}
		}()
	}

	opts := narration.Options{
		Resolver: s.resolver,
		Handles:  cache.NewHandleTable(s.cfg.HandleBudget()),
		Scheduler: queue.NewScheduler(queue.Options{
			MaxConcurrent: s.cfg.Prefetch.MaxConcurrent,
			Checker:       s.resolver,
			Logger:        s.log,
		}),
		Texts:  cat,
		Logger: s.log,
	}

	if s.cfg.Offline() {
		s.log.Debug("No synth endpoint configured, generating audio offline")
		opts.Generator = &synth.Mock{}
	} else {
		client, err := synth.NewHTTPClient(synth.HTTPConfig{
			Endpoint:          s.cfg.Synth.Endpoint,
			APIKey:            s.cfg.Synth.APIKey,
			UserAgent:         config.AppName + "/" + Version,
			Timeout:           s.cfg.Synth.Timeout,
			RequestsPerMinute: s.cfg.Synth.RequestsPerMinute,
			Logger:            s.log,
		})
		if err != nil {
			return nil, err
		}
		opts.Generator = client
		opts.Fetcher = client
	}

	ctrl, err := narration.New(opts)
	if err != nil {
		return nil, err
	}
	s.resolver.StartCleanup(s.cfg.CleanupPolicy())

	s.catalog = cat
	s.ctrl = ctrl
	return ctrl, nil
}

// Close closes the controller, if built, and then the cache.
func (s *session) Close() error {
	var errs []error
	if s.ctrl != nil {
		errs = append(errs, s.ctrl.Close())
	}
	errs = append(errs, s.resolver.Close())
	return errors.Join(errs...)
}
