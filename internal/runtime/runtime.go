// Package runtime assembles the builder pipeline: state store, render
// queue, validator, recovery, UI registry, diff engine, and optional disk
// persistence, constructed in dependency order and torn down in reverse.
package runtime

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/diff"
	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/eventbus"
	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/persistence"
	"github.com/guestify/mediakit/internal/recovery"
	"github.com/guestify/mediakit/internal/renderer"
	"github.com/guestify/mediakit/internal/renderqueue"
	"github.com/guestify/mediakit/internal/state"
	"github.com/guestify/mediakit/internal/uiregistry"
	"github.com/guestify/mediakit/internal/validator"
)

// Options customize runtime construction beyond the config file.
type Options struct {
	// PageID selects which persisted page to load and autosave.
	PageID string
	// Renderer overrides the built-in template renderer.
	Renderer renderer.TemplateRenderer
	// Logger overrides the logger built from config.
	Logger logging.Logger
}

// Runtime owns every pipeline component for one page session.
type Runtime struct {
	Config    *config.Config
	Logger    logging.Logger
	Bus       *eventbus.Bus
	Container *dom.Container
	Store     *state.Store
	Renderer  renderer.TemplateRenderer
	Validator *validator.Validator
	Queue     *renderqueue.Manager
	Recovery  *recovery.Manager
	UIUpdates *uiregistry.Registry
	Diff      *diff.Engine

	pageID  string
	backend *persistence.Store
	saver   *persistence.Saver
	started bool
}

// New constructs the pipeline. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pageID := opts.PageID
	if pageID == "" {
		pageID = "default"
	}

	logger := opts.Logger
	if logger == nil {
		logger = buildLogger(cfg.Logging)
	}

	bus := eventbus.New(logger)
	container := dom.NewContainer()

	store := state.NewStore(state.Options{
		MaxHistorySize: cfg.State.MaxHistorySize,
		SchemaVersion:  cfg.State.SchemaVersion,
		Logger:         logger,
		Bus:            bus,
	})

	tr := opts.Renderer
	if tr == nil {
		tr = renderer.NewBuiltinRenderer(logger)
	}

	val := validator.New(container, cfg.Validator, logger, bus)

	queue := renderqueue.New(renderqueue.Options{
		Config:    cfg.Queue,
		Renderer:  tr,
		Container: container,
		Validator: val,
		Bus:       bus,
		Logger:    logger,
	})

	rec := recovery.New(recovery.ManagerOptions{
		Config:            cfg.Recovery,
		RecoveryThreshold: cfg.Validator.RecoveryThreshold,
		Renderer:          tr,
		Container:         container,
		Validator:         val,
		Store:             store,
		Bus:               bus,
		Logger:            logger,
	})

	// Recovery reacts to two signals: a render whose retry budget is spent,
	// and a validated render scoring below the hard-failure line. Handlers
	// hand off to a goroutine because RecoverRender blocks on retry delays.
	bus.Subscribe(eventbus.TopicRenderFailed, func(e eventbus.Event) {
		if willRetry, _ := e.Payload["willRetry"].(bool); willRetry {
			return
		}
		id, _ := e.Payload["componentId"].(string)
		if id == "" {
			return
		}
		msg, _ := e.Payload["error"].(string)
		if msg == "" {
			msg = "render failed"
		}
		go rec.RecoverRender(context.Background(), id, fmt.Errorf("%s", msg), recovery.RecoverOptions{})
	})

	hardFailure := cfg.Queue.HardFailureScore
	bus.Subscribe(eventbus.TopicRenderValidated, func(e eventbus.Event) {
		score, ok := e.Payload["healthScore"].(int)
		if !ok || score >= hardFailure {
			return
		}
		id, _ := e.Payload["componentId"].(string)
		if id == "" {
			return
		}
		cause := fmt.Errorf("render validation failed, health score %d", score)
		go rec.RecoverRender(context.Background(), id, cause, recovery.RecoverOptions{})
	})

	ui := uiregistry.New(store, uiregistry.Options{
		FrameInterval: cfg.UIRegistry.FrameInterval,
		Logger:        logger,
	})

	engine := diff.New(diff.Options{
		Store:     store,
		Queue:     queue,
		Container: container,
		Config:    cfg.Diff,
		Logger:    logger,
	})

	r := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Bus:       bus,
		Container: container,
		Store:     store,
		Renderer:  tr,
		Validator: val,
		Queue:     queue,
		Recovery:  rec,
		UIUpdates: ui,
		Diff:      engine,
		pageID:    pageID,
	}

	if cfg.Persistence.Enabled {
		backend, err := persistence.Open(cfg.Persistence.Path, logger)
		if err != nil {
			r.teardown()

			return nil, err
		}
		r.backend = backend
	}

	return r, nil
}

// Start restores persisted state when available, then begins diffing,
// autosaving, and health sweeping. Restored state does not enter undo
// history.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}

	if r.backend != nil {
		saved, err := r.backend.LoadPage(r.pageID)
		if err != nil {
			r.Logger.Warn(ctx, err, "Could not restore persisted page, starting empty",
				"page_id", r.pageID,
			)
		} else if saved != nil {
			if err := r.Store.LoadSerializedState(saved, state.LoadOptions{SkipNotify: true, ClearHistory: true}); err != nil {
				r.Logger.Warn(ctx, err, "Persisted page failed to load, starting empty",
					"page_id", r.pageID,
				)
			}
		}

		r.saver = persistence.NewSaver(r.pageID, r.Store, r.backend, r.Config.Persistence.SaveDebounce, r.Logger)
	}

	r.Diff.Start()
	r.Recovery.StartHealthSweep()
	r.started = true

	r.Logger.Info(ctx, "Builder runtime started",
		"page_id", r.pageID,
		"components", r.Store.Len(),
		"persistence", r.backend != nil,
	)

	return nil
}

// Stop tears the pipeline down in reverse construction order, flushing one
// final save when persistence is enabled.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.saver != nil {
		r.saver.Stop()
		r.saver = nil
	}

	r.teardown()

	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			return fmt.Errorf("close state database: %w", err)
		}
		r.backend = nil
	}

	r.started = false
	r.Logger.Info(ctx, "Builder runtime stopped", "page_id", r.pageID)

	return nil
}

func (r *Runtime) teardown() {
	if r.Diff != nil {
		r.Diff.Stop()
	}
	if r.UIUpdates != nil {
		r.UIUpdates.Stop()
	}
	if r.Recovery != nil {
		r.Recovery.Stop()
	}
	if r.Queue != nil {
		r.Queue.Stop()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
}

func buildLogger(cfg config.LoggingConfig) logging.Logger {
	level := logging.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = logging.LevelDebug
	case "warn", "warning":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Format,
		Output: os.Stdout,
	})
}
