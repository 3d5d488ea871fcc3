// Package recovery converts render and validation failures into repaired or
// gracefully degraded fragments. Errors are classified, matched to an
// ordered strategy list, and each strategy is tried until one succeeds at
// the fragment level and passes a relaxed re-validation.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guestify/mediakit/internal/circuit"
	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/errors"
	"github.com/guestify/mediakit/internal/eventbus"
	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/renderer"
	"github.com/guestify/mediakit/internal/state"
	"github.com/guestify/mediakit/internal/types"
	"github.com/guestify/mediakit/internal/validator"
)

// Strategy identifies one recovery approach.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyReset    Strategy = "reset"
	StrategyReplace  Strategy = "replace"
)

// strategyTable maps error categories to their preferred ordered strategies.
var strategyTable = map[errors.Category][]Strategy{
	errors.CategoryTimeout:    {StrategyRetry, StrategyFallback},
	errors.CategoryNetwork:    {StrategyRetry, StrategyFallback},
	errors.CategoryPermission: {StrategyFallback, StrategyReplace},
	errors.CategoryValidation: {StrategyReset, StrategyRetry},
	errors.CategoryCorruption: {StrategyReset, StrategyReplace},
	errors.CategoryMemory:     {StrategyFallback, StrategyReset},
	errors.CategoryUnknown:    {StrategyRetry, StrategyFallback, StrategyReset},
}

// Record is one recovery attempt in a component's history.
type Record struct {
	Timestamp       time.Time
	ErrorCategory   errors.Category
	StrategiesTried []Strategy
	Success         bool
}

// Result reports one recovery run.
type Result struct {
	ComponentID     string
	Succeeded       bool
	Strategy        Strategy
	StrategiesTried []Strategy
	Err             error
}

// RecoverOptions tune one recovery run.
type RecoverOptions struct {
	// PreferredStrategy is tried first, extending the list to three.
	PreferredStrategy Strategy
}

type goodState struct {
	componentType string
	props         map[string]any
	expires       time.Time
}

type cachedTemplate struct {
	markup  string
	expires time.Time
}

// Stats summarizes recovery activity.
type Stats struct {
	TotalAttempts   int
	Successes       int
	Failures        int
	ByStrategy      map[Strategy]int
	SuccessRate     float64
	ZombiesDetected int
	BreakerState    circuit.State
}

// Manager owns the recovery pipeline and the periodic zombie health sweep.
type Manager struct {
	cfg       config.RecoveryConfig
	renderer  renderer.TemplateRenderer
	container *dom.Container
	validator *validator.Validator
	store     *state.Store
	breaker   *circuit.Breaker
	bus       *eventbus.Bus
	logger    logging.Logger

	mu              sync.Mutex
	history         map[string][]Record
	retryCounts     map[string]int
	recovering      map[string]bool
	strategyUse     map[Strategy]int
	totalAttempts   int
	successes       int
	failures        int
	consecutiveFail int
	lastNotified    time.Time
	zombiesDetected int

	lastGood      map[string]goodState
	fallbackCache map[string]cachedTemplate

	recoveryThreshold int

	unsubscribe func()
	ticker      *time.Ticker
	done        chan struct{}
	stopOnce    sync.Once

	now   func() time.Time
	sleep func(time.Duration)
}

// ManagerOptions wires a Manager.
type ManagerOptions struct {
	Config            config.RecoveryConfig
	RecoveryThreshold int
	Renderer          renderer.TemplateRenderer
	Container         *dom.Container
	Validator         *validator.Validator
	Store             *state.Store
	Bus               *eventbus.Bus
	Logger            logging.Logger
}

// New creates a recovery manager. When a bus is provided the manager watches
// render completions to capture last-known-good state and fallback markup.
func New(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	threshold := opts.RecoveryThreshold
	if threshold <= 0 {
		threshold = 60
	}

	m := &Manager{
		cfg:               opts.Config,
		renderer:          opts.Renderer,
		container:         opts.Container,
		validator:         opts.Validator,
		store:             opts.Store,
		breaker:           circuit.New(opts.Config.BreakerThreshold, opts.Config.BreakerReset),
		bus:               opts.Bus,
		logger:            logger.WithComponent("render_recovery"),
		history:           make(map[string][]Record),
		retryCounts:       make(map[string]int),
		recovering:        make(map[string]bool),
		strategyUse:       make(map[Strategy]int),
		lastGood:          make(map[string]goodState),
		fallbackCache:     make(map[string]cachedTemplate),
		recoveryThreshold: threshold,
		done:              make(chan struct{}),
		now:               time.Now,
		sleep:             time.Sleep,
	}

	if m.bus != nil {
		m.unsubscribe = m.bus.Subscribe(eventbus.TopicRenderCompleted, func(e eventbus.Event) {
			if id, ok := e.Payload["componentId"].(string); ok {
				m.CaptureGoodState(id)
			}
		})
	}

	return m
}

// CaptureGoodState snapshots a component's current {type, props} and markup
// so reset and fallback have something to restore from.
func (m *Manager) CaptureGoodState(componentID string) {
	if m.store == nil {
		return
	}

	record := m.store.GetComponent(componentID)
	if record == nil {
		return
	}

	m.mu.Lock()
	m.lastGood[componentID] = goodState{
		componentType: record.Type,
		props:         types.CloneData(record.Data),
		expires:       m.now().Add(m.cfg.LastGoodTTL),
	}
	m.mu.Unlock()

	if el, ok := m.container.Get(componentID); ok {
		if markup, err := el.OuterHTML(); err == nil {
			m.mu.Lock()
			m.fallbackCache[record.Type] = cachedTemplate{
				markup:  markup,
				expires: m.now().Add(m.cfg.FallbackCacheTTL),
			}
			m.mu.Unlock()
		}
	}
}

// RecoverRender runs the recovery pipeline for one failed component.
func (m *Manager) RecoverRender(ctx context.Context, componentID string, renderErr error, opts RecoverOptions) Result {
	result := Result{ComponentID: componentID}

	// One run per component at a time. A run's own revalidation publishes
	// render:validated, which feeds back into recovery; without the guard a
	// failing attempt would re-enter itself.
	m.mu.Lock()
	if m.recovering[componentID] {
		m.mu.Unlock()
		result.Err = fmt.Errorf("recovery already in progress for %s", componentID)

		return result
	}
	m.recovering[componentID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.recovering, componentID)
		m.mu.Unlock()
	}()

	if !m.breaker.Allow() {
		result.Err = &errors.BuilderError{
			Category: errors.CategoryInternal,
			Code:     errors.ErrCodeCircuitOpen,
			Message:  "recovery suspended, circuit breaker open",
		}

		return result
	}

	category := errors.Classify(renderErr)
	strategies := m.selectStrategies(category, opts.PreferredStrategy)

	for _, strategy := range strategies {
		result.StrategiesTried = append(result.StrategiesTried, strategy)

		if err := m.applyStrategy(ctx, strategy, componentID); err != nil {
			m.logger.Debug(ctx, "Recovery strategy failed",
				"component_id", componentID,
				"strategy", string(strategy),
				"error", err.Error(),
			)

			continue
		}

		// Replace is terminal: the error placeholder is the success state.
		if strategy != StrategyReplace && !m.revalidate(componentID) {
			continue
		}

		result.Succeeded = true
		result.Strategy = strategy

		break
	}

	m.record(componentID, category, result)

	return result
}

// selectStrategies orders the strategies for a category, filters overused
// ones, and caps the list. A preferred strategy extends the cap to three.
func (m *Manager) selectStrategies(category errors.Category, preferred Strategy) []Strategy {
	base := strategyTable[category]
	if base == nil {
		base = strategyTable[errors.CategoryUnknown]
	}

	limit := 2
	ordered := make([]Strategy, 0, 3)
	if preferred != "" {
		ordered = append(ordered, preferred)
		limit = 3
	}
	for _, s := range base {
		if s != preferred {
			ordered = append(ordered, s)
		}
	}

	filtered := ordered[:0:0]
	for _, s := range ordered {
		if m.isOverused(s) {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		filtered = ordered
	}

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return filtered
}

// isOverused reports whether one strategy dominates recovery attempts
// system-wide. Keeps a pathological strategy from monopolizing recovery when
// the real problem is systemic.
func (m *Manager) isOverused(s Strategy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalAttempts < 5 {
		return false
	}

	return float64(m.strategyUse[s])/float64(m.totalAttempts) > m.cfg.OveruseRatio
}

func (m *Manager) applyStrategy(ctx context.Context, strategy Strategy, componentID string) error {
	m.mu.Lock()
	m.strategyUse[strategy]++
	m.mu.Unlock()

	switch strategy {
	case StrategyRetry:
		return m.attemptRetry(ctx, componentID)
	case StrategyFallback:
		return m.attemptFallback(componentID)
	case StrategyReset:
		return m.attemptReset(ctx, componentID)
	case StrategyReplace:
		return m.attemptReplace(componentID)
	default:
		return fmt.Errorf("unknown recovery strategy %q", strategy)
	}
}

// attemptRetry waits per the escalating schedule, removes the stale
// fragment, and renders fresh from cloned store props. Bounded per component
// across the recovery history.
func (m *Manager) attemptRetry(ctx context.Context, componentID string) error {
	m.mu.Lock()
	count := m.retryCounts[componentID]
	if count >= m.cfg.MaxRetryAttempts {
		m.mu.Unlock()

		return fmt.Errorf("retry budget exhausted for %s", componentID)
	}
	m.retryCounts[componentID] = count + 1
	m.mu.Unlock()

	if len(m.cfg.RetryDelays) > 0 {
		m.sleep(m.cfg.RetryDelays[min(count, len(m.cfg.RetryDelays)-1)])
	}

	record := m.store.GetComponent(componentID)
	if record == nil {
		return fmt.Errorf("component %s no longer in state", componentID)
	}

	m.container.Remove(componentID)

	markup, err := m.renderer.RenderComponent(ctx, record.Type, componentID, types.CloneData(record.Data))
	if err != nil {
		return err
	}

	return m.insertMarkup(componentID, record.Type, markup)
}

// attemptFallback serves the cached last-known-good markup for the
// component's type, synthesizing a minimal placeholder when the cache is
// cold.
func (m *Manager) attemptFallback(componentID string) error {
	record := m.store.GetComponent(componentID)
	componentType := "default"
	if record != nil {
		componentType = record.Type
	}

	m.mu.Lock()
	cached, ok := m.fallbackCache[componentType]
	if ok && m.now().After(cached.expires) {
		delete(m.fallbackCache, componentType)
		ok = false
	}
	m.mu.Unlock()

	markup := cached.markup
	if !ok {
		markup = placeholderMarkup(componentID, componentType)
	}

	return m.insertMarkup(componentID, componentType, markup)
}

// attemptReset re-renders the fragment purely from the last known-good
// {type, props} snapshot. The store is left untouched: mutating it here
// would keep corrupted keys the snapshot predates and trigger a competing
// render of the unreset data through the state-change path.
func (m *Manager) attemptReset(ctx context.Context, componentID string) error {
	m.mu.Lock()
	good, ok := m.lastGood[componentID]
	if ok && m.now().After(good.expires) {
		delete(m.lastGood, componentID)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no known-good state for %s", componentID)
	}

	markup, err := m.renderer.RenderComponent(ctx, good.componentType, componentID, types.CloneData(good.props))
	if err != nil {
		return err
	}

	m.container.Remove(componentID)

	return m.insertMarkup(componentID, good.componentType, markup)
}

// attemptReplace inserts a visibly marked error placeholder with manual
// retry and remove affordances. The component never silently disappears.
func (m *Manager) attemptReplace(componentID string) error {
	componentType := "default"
	if record := m.store.GetComponent(componentID); record != nil {
		componentType = record.Type
	}

	label := renderer.Humanize(componentType)
	markup := fmt.Sprintf(
		`<div class="mk-component mk-error" data-component-id="%s" data-component-type="%s" role="alert">`+
			`<p class="mk-error__message">%s failed to render</p>`+
			`<button type="button" data-recovery-action="retry">Try again</button>`+
			`<button type="button" data-recovery-action="remove">Remove</button>`+
			`</div>`,
		componentID, componentType, label,
	)

	if err := m.insertMarkup(componentID, componentType, markup); err != nil {
		return err
	}

	// The placeholder's buttons are live controls.
	m.container.AttachListener(componentID, "click")

	return nil
}

func (m *Manager) insertMarkup(componentID, componentType string, markup string) error {
	el, err := dom.ParseFragment(markup)
	if err != nil {
		return err
	}

	// Cached fallback markup may carry the attrs of the fragment it was
	// captured from; stamp the target component's identity unconditionally.
	el.SetAttr(dom.AttrComponentID, componentID)
	el.SetAttr(dom.AttrComponentType, componentType)
	el.MarkRendered(m.now())

	m.container.Insert(componentID, el)
	if m.validator != nil {
		m.validator.Invalidate(componentID)
	}

	return nil
}

// revalidate runs the validator with the relaxed recovery threshold.
func (m *Manager) revalidate(componentID string) bool {
	if m.validator == nil {
		return true
	}

	result := m.validator.ValidateRender(componentID, validator.ValidateOptions{
		Threshold: m.recoveryThreshold,
		SkipCache: true,
	})

	return result.Passed
}

func (m *Manager) record(componentID string, category errors.Category, result Result) {
	m.mu.Lock()

	m.totalAttempts++
	m.history[componentID] = append(m.history[componentID], Record{
		Timestamp:       m.now(),
		ErrorCategory:   category,
		StrategiesTried: result.StrategiesTried,
		Success:         result.Succeeded,
	})

	var notify bool
	if result.Succeeded {
		m.successes++
		m.consecutiveFail = 0
		delete(m.retryCounts, componentID)
	} else {
		m.failures++
		m.consecutiveFail++
		notify = m.consecutiveFail >= m.cfg.NotificationThreshold &&
			m.now().Sub(m.lastNotified) >= m.cfg.NotificationCooldown
		if notify {
			m.lastNotified = m.now()
		}
	}
	failStreak := m.consecutiveFail

	m.mu.Unlock()

	if result.Succeeded {
		m.breaker.RecordSuccess()
		m.CaptureGoodState(componentID)
	} else {
		m.breaker.RecordFailure()
	}

	if m.bus != nil {
		topic := eventbus.TopicRecoverySuccess
		if !result.Succeeded {
			topic = eventbus.TopicRecoveryFailed
		}
		m.bus.Publish(topic, map[string]any{
			"componentId":     componentID,
			"errorCategory":   string(category),
			"strategiesTried": len(result.StrategiesTried),
			"strategy":        string(result.Strategy),
		})

		// One aggregate notice per cooldown window, never one per failure.
		if notify {
			m.bus.Publish(eventbus.TopicUserNotification, map[string]any{
				"severity": "warning",
				"message":  fmt.Sprintf("%d components failed to recover", failStreak),
			})
		}
	}
}

// History returns a component's recovery records.
func (m *Manager) History(componentID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Record(nil), m.history[componentID]...)
}

// ManualRetry is the error placeholder's "try again" action: it clears the
// component's retry budget and runs recovery preferring a fresh render.
func (m *Manager) ManualRetry(ctx context.Context, componentID string) Result {
	m.mu.Lock()
	delete(m.retryCounts, componentID)
	delete(m.history, componentID)
	m.mu.Unlock()
	m.breaker.Reset()

	cause := errors.NewRenderError(errors.ErrCodeRenderFailed, "manual retry requested", nil).
		WithComponent(componentID)

	return m.RecoverRender(ctx, componentID, cause, RecoverOptions{PreferredStrategy: StrategyRetry})
}

// StartHealthSweep launches the periodic zombie scan. Detected zombies get
// proactive recovery, decoupled from the reactive failure path.
func (m *Manager) StartHealthSweep() {
	if m.validator == nil {
		return
	}

	m.ticker = time.NewTicker(m.cfg.HealthSweepInterval)

	go func() {
		for {
			select {
			case <-m.ticker.C:
				m.sweep()
			case <-m.done:
				return
			}
		}
	}()
}

func (m *Manager) sweep() {
	zombies := m.validator.SweepZombies()
	if len(zombies) == 0 {
		return
	}

	m.mu.Lock()
	m.zombiesDetected += len(zombies)
	m.mu.Unlock()

	m.logger.Warn(context.Background(), nil, "Zombie fragments detected",
		"count", len(zombies),
	)

	for _, id := range zombies {
		cause := errors.NewStateError(errors.ErrCodeStateCorrupt,
			"zombie fragment detected by health sweep", nil).WithComponent(id)
		m.RecoverRender(context.Background(), id, cause, RecoverOptions{})
	}
}

// Stats returns a snapshot of recovery activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStrategy := make(map[Strategy]int, len(m.strategyUse))
	for s, n := range m.strategyUse {
		byStrategy[s] = n
	}

	rate := 0.0
	if m.totalAttempts > 0 {
		rate = float64(m.successes) / float64(m.totalAttempts)
	}

	return Stats{
		TotalAttempts:   m.totalAttempts,
		Successes:       m.successes,
		Failures:        m.failures,
		ByStrategy:      byStrategy,
		SuccessRate:     rate,
		ZombiesDetected: m.zombiesDetected,
		BreakerState:    m.breaker.State(),
	}
}

// BreakerState returns the recovery breaker's state.
func (m *Manager) BreakerState() circuit.State {
	return m.breaker.State()
}

// Stop halts the health sweep and detaches from the bus.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		if m.ticker != nil {
			m.ticker.Stop()
		}
		close(m.done)
	})
}

// SetClock overrides time sources. Test hook.
func (m *Manager) SetClock(now func() time.Time, sleep func(time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now != nil {
		m.now = now
	}
	if sleep != nil {
		m.sleep = sleep
	}
}

func placeholderMarkup(componentID, componentType string) string {
	label := renderer.Humanize(componentType)

	switch componentType {
	case "hero":
		return fmt.Sprintf(`<section class="mk-component mk-hero mk-placeholder" data-component-id="%s" data-component-type="hero"><h1>%s</h1><p>Content is being restored</p></section>`, componentID, label)
	case "text":
		return fmt.Sprintf(`<section class="mk-component mk-text mk-placeholder" data-component-id="%s" data-component-type="text"><p>Content is being restored</p></section>`, componentID)
	case "image", "logo":
		return fmt.Sprintf(`<figure class="mk-component mk-%s mk-placeholder" data-component-id="%s" data-component-type="%s"><img src="placeholder.png" alt="%s placeholder"/></figure>`, componentType, componentID, componentType, label)
	case "cta":
		return fmt.Sprintf(`<section class="mk-component mk-cta mk-placeholder" data-component-id="%s" data-component-type="cta"><a href="#" role="button">%s</a></section>`, componentID, label)
	default:
		return fmt.Sprintf(`<div class="mk-component mk-placeholder" data-component-id="%s" data-component-type="%s"><p>%s is being restored</p></div>`, componentID, componentType, label)
	}
}
