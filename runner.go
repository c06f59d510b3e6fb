package statescan

import (
	"context"
	"fmt"
	"time"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan/detect"
	"github.com/arborcrawl/statescan/extract"
	"github.com/arborcrawl/statescan/lsh"
	"github.com/arborcrawl/statescan/work"
)

// ExperimentRecorder persists a snapshot of a batch's config for later
// audit. Implemented by *mongostore.Store; kept as an interface here so the
// core package does not import the store adapter.
type ExperimentRecorder interface {
	RecordExperiment(ctx context.Context, cfg *Config, hashPadding string) error
}

// Batch ties every component the CLI and the status console need into one
// value: the running work manager plus the shared store, mirroring the
// original main.run()'s construction order (seed state, start app, build
// detectors, hand them to the work manager).
type Batch struct {
	Name   string
	Store  Store
	cancel context.CancelFunc
	done   chan error
}

// SeedInitialState inserts the batch's first state and its two bootstrap
// endpoints (a reset endpoint and one ordinary entry point), exactly as
// init_evaluation_framework does in the original. Call once per fresh batch.
func SeedInitialState(ctx context.Context, store Store, scheme, host, entryPath, resetPath string) error {
	initial := &State{
		Initial: true,
		Current: true,
	}
	if err := store.AddState(ctx, initial); err != nil {
		return fmt.Errorf("seeding initial state: %w", err)
	}

	entry := &Endpoint{
		Scheme:     scheme,
		Host:       host,
		Path:       entryPath,
		Method:     "GET",
		StateID:    initial.ID,
		Clean:      true,
		AllowVisit: true,
	}
	if err := store.AddEndpoint(ctx, entry); err != nil {
		return fmt.Errorf("seeding entry endpoint: %w", err)
	}

	reset := &Endpoint{
		Scheme:     scheme,
		Host:       host,
		Path:       resetPath,
		Method:     "GET",
		StateID:    initial.ID,
		Clean:      true,
		AllowVisit: true,
		IsReset:    true,
	}
	if err := store.AddEndpoint(ctx, reset); err != nil {
		return fmt.Errorf("seeding reset endpoint: %w", err)
	}
	return nil
}

// StartBatch wires a crawler and the three detectors into a work manager and
// runs it in the background until it converges, errors, or ctx is cancelled.
func StartBatch(ctx context.Context, name string, store Store, cfg *Config) (*Batch, error) {
	hasher := lsh.NewHasher(cfg.RandomSeed)
	if recorder, ok := store.(ExperimentRecorder); ok {
		if err := recorder.RecordExperiment(ctx, cfg, hasher.Padding()); err != nil {
			log4go.Warn("batch %v: recording experiment snapshot: %v", name, err)
		}
	}

	session, err := NewHTTPSession(cfg.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("starting batch %v: %w", name, err)
	}

	navigator, err := NewNavigator(ctx, store, cfg.StateNavigator.MaxRevisits)
	if err != nil {
		return nil, fmt.Errorf("starting batch %v: %w", name, err)
	}
	handler := NewInteractionHandler(store, session, hasher, ProjectionLinksOnly, nowMillis)
	crawler := NewCrawler(name, navigator, handler)

	extractor := extract.New(extract.Options{RestrictHost: cfg.HTTP.RestrictHost}, store, hasher, name, nowMillis)
	endpointDetector := detect.NewEndpointDetector(store, hasher, *cfg)
	stateChangeDetector := detect.NewStateChangeDetector(store, hasher, *cfg, nowMillis)
	stateDetector := detect.NewStateDetector(store, hasher, *cfg)

	manager := work.NewManager(cfg.Workers.ExecutionType, cfg.Throttle, cfg.Redis.Addr)
	manager.Register("crawler", crawler)
	manager.Register("endpoint_extractor", extractor)
	manager.Register("endpoint_detector", endpointDetector)
	manager.Register("state_change_detector", stateChangeDetector)
	manager.Register("state_detector", stateDetector)

	runCtx, cancel := context.WithCancel(ctx)
	b := &Batch{Name: name, Store: store, cancel: cancel, done: make(chan error, 1)}

	go func() {
		log4go.Info("batch %v: work manager starting", name)
		err := manager.Run(runCtx)
		log4go.Info("batch %v: work manager stopped: %v", name, err)
		b.done <- err
	}()

	return b, nil
}

// Stop cancels the batch's work manager and waits for it to exit.
func (b *Batch) Stop() error {
	b.cancel()
	return <-b.done
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
