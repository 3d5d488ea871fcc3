package recovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestify/mediakit/internal/circuit"
	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/errors"
	"github.com/guestify/mediakit/internal/eventbus"
	"github.com/guestify/mediakit/internal/state"
	"github.com/guestify/mediakit/internal/validator"
)

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	block chan struct{}
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{fail: make(map[string]error)}
}

func (f *fakeRenderer) RenderComponent(_ context.Context, componentType, id string, props map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	err := f.fail[id]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}

	title := "content"
	if props != nil {
		if s, ok := props["title"].(string); ok {
			title = s
		}
	}

	return fmt.Sprintf(`<div class="mk-component mk-%s" data-component-id="%s" data-component-type="%s"><p>%s</p></div>`,
		componentType, id, componentType, title), nil
}

func (f *fakeRenderer) HasTemplate(string) bool { return true }

func (f *fakeRenderer) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, c := range f.calls {
		if c == id {
			count++
		}
	}

	return count
}

type fixture struct {
	store     *state.Store
	container *dom.Container
	renderer  *fakeRenderer
	bus       *eventbus.Bus
	manager   *Manager
}

func newFixture(t *testing.T, mutate func(*config.RecoveryConfig)) *fixture {
	t.Helper()

	cfg := config.Default().Recovery
	cfg.RetryDelays = []time.Duration{0, 0, 0}
	if mutate != nil {
		mutate(&cfg)
	}

	container := dom.NewContainer()
	bus := eventbus.New(nil)
	store := state.NewStore(state.Options{Bus: bus})
	r := newFakeRenderer()
	v := validator.New(container, config.Default().Validator, nil, nil)

	m := New(ManagerOptions{
		Config:            cfg,
		RecoveryThreshold: 60,
		Renderer:          r,
		Container:         container,
		Validator:         v,
		Store:             store,
		Bus:               bus,
	})
	t.Cleanup(m.Stop)

	return &fixture{store: store, container: container, renderer: r, bus: bus, manager: m}
}

func TestRecover_RetryRerendersFromState(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Hello"}, false)

	result := f.manager.RecoverRender(context.Background(), "hero-1",
		errors.NewTimeoutError("render timed out"), RecoverOptions{})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyRetry, result.Strategy)

	el, ok := f.container.Get("hero-1")
	require.True(t, ok)
	assert.Contains(t, el.TextContent(), "Hello")
}

func TestRecover_OverlappingRunsForOneComponentAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Hello"}, false)

	release := make(chan struct{})
	f.renderer.mu.Lock()
	f.renderer.block = release
	f.renderer.mu.Unlock()

	done := make(chan Result, 1)
	go func() {
		done <- f.manager.RecoverRender(context.Background(), "hero-1",
			errors.NewTimeoutError("render timed out"), RecoverOptions{})
	}()

	require.Eventually(t, func() bool {
		return f.renderer.callCount("hero-1") >= 1
	}, time.Second, time.Millisecond)

	second := f.manager.RecoverRender(context.Background(), "hero-1",
		errors.NewTimeoutError("render timed out"), RecoverOptions{})
	assert.False(t, second.Succeeded)
	assert.Empty(t, second.StrategiesTried)
	require.Error(t, second.Err)
	assert.Contains(t, second.Err.Error(), "already in progress")

	close(release)
	first := <-done
	assert.True(t, first.Succeeded)

	// A skipped overlapping run does not count as an attempt.
	assert.Equal(t, 1, f.manager.Stats().TotalAttempts)
}

func TestRecover_RetryBudgetFallsThroughToFallback(t *testing.T) {
	f := newFixture(t, func(cfg *config.RecoveryConfig) { cfg.MaxRetryAttempts = 0 })
	f.store.InitComponent("hero-1", "hero", nil, false)

	result := f.manager.RecoverRender(context.Background(), "hero-1",
		errors.NewTimeoutError("render timed out"), RecoverOptions{})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyFallback, result.Strategy)
	assert.Equal(t, []Strategy{StrategyRetry, StrategyFallback}, result.StrategiesTried)
	assert.Equal(t, 0, f.renderer.callCount("hero-1"))

	el, ok := f.container.Get("hero-1")
	require.True(t, ok)
	assert.True(t, el.HasClass("mk-placeholder"))
}

func TestRecover_PermissionGoesStraightToFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("cta-1", "cta", nil, false)

	result := f.manager.RecoverRender(context.Background(), "cta-1",
		errors.NewPermissionError("permission denied"), RecoverOptions{})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyFallback, result.Strategy)
	assert.Equal(t, 0, f.renderer.callCount("cta-1"), "permission errors never retry the renderer")
}

func TestRecover_ResetRerendersFromKnownGoodSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Good"}, false)
	f.manager.CaptureGoodState("hero-1")

	f.store.SetProperty("hero-1", "title", "Corrupted")

	result := f.manager.RecoverRender(context.Background(), "hero-1",
		fmt.Errorf("corrupt data attribute"), RecoverOptions{})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyReset, result.Strategy)

	// The fragment is rebuilt from the snapshot; the store is not mutated,
	// so no competing render of the corrupted data is triggered.
	el, ok := f.container.Get("hero-1")
	require.True(t, ok)
	assert.Contains(t, el.TextContent(), "Good")
	assert.Equal(t, "Corrupted", f.store.GetComponent("hero-1").Data["title"])
}

func TestRecover_ExpiredGoodStateFallsToReplace(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Good"}, false)

	now := time.Now()
	f.manager.SetClock(func() time.Time { return now }, func(time.Duration) {})
	f.manager.CaptureGoodState("hero-1")

	// Known-good snapshot ages out.
	now = now.Add(11 * time.Minute)

	result := f.manager.RecoverRender(context.Background(), "hero-1",
		fmt.Errorf("corrupt data attribute"), RecoverOptions{})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyReplace, result.Strategy)

	el, ok := f.container.Get("hero-1")
	require.True(t, ok)
	assert.True(t, el.HasClass("mk-error"))
	assert.Len(t, el.FindByAttr("data-recovery-action"), 2)
	assert.True(t, f.container.HasListeners("hero-1"))
}

func TestRecover_PreferredStrategyExtendsList(t *testing.T) {
	f := newFixture(t, func(cfg *config.RecoveryConfig) { cfg.MaxRetryAttempts = 0 })

	// No store record and no good state: reset and retry both fail, the
	// preferred fallback saves it.
	result := f.manager.RecoverRender(context.Background(), "ghost-1",
		errors.NewValidationError(errors.ErrCodeValidationFailed, "validation failed"),
		RecoverOptions{PreferredStrategy: StrategyFallback})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyFallback, result.Strategy)
	assert.Equal(t, []Strategy{StrategyFallback}, result.StrategiesTried)
}

func TestRecover_TotalFailureRecorded(t *testing.T) {
	f := newFixture(t, nil)

	// Validation maps to [reset, retry]; with no good state and no store
	// record both fail.
	result := f.manager.RecoverRender(context.Background(), "ghost-1",
		errors.NewValidationError(errors.ErrCodeValidationFailed, "validation failed"),
		RecoverOptions{})

	assert.False(t, result.Succeeded)
	assert.Equal(t, []Strategy{StrategyReset, StrategyRetry}, result.StrategiesTried)

	history := f.manager.History("ghost-1")
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, errors.CategoryValidation, history[0].ErrorCategory)
}

func TestRecover_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 5; i++ {
		f.manager.RecoverRender(context.Background(), fmt.Sprintf("ghost-%d", i),
			errors.NewValidationError(errors.ErrCodeValidationFailed, "validation failed"),
			RecoverOptions{})
	}

	assert.Equal(t, circuit.StateOpen, f.manager.BreakerState())

	result := f.manager.RecoverRender(context.Background(), "ghost-next",
		errors.NewTimeoutError("timeout"), RecoverOptions{})
	assert.False(t, result.Succeeded)
	assert.Empty(t, result.StrategiesTried, "open breaker suspends strategy attempts")

	var be *errors.BuilderError
	require.ErrorAs(t, result.Err, &be)
	assert.Equal(t, errors.ErrCodeCircuitOpen, be.Code)
}

func TestRecover_NotificationThrottling(t *testing.T) {
	f := newFixture(t, func(cfg *config.RecoveryConfig) {
		cfg.BreakerThreshold = 100 // keep the breaker out of the way
	})

	notices := 0
	f.bus.Subscribe(eventbus.TopicUserNotification, func(eventbus.Event) { notices++ })

	for i := 0; i < 6; i++ {
		f.manager.RecoverRender(context.Background(), fmt.Sprintf("ghost-%d", i),
			errors.NewValidationError(errors.ErrCodeValidationFailed, "validation failed"),
			RecoverOptions{})
	}

	// Six failures, one aggregate notice inside the cooldown window.
	assert.Equal(t, 1, notices)
}

func TestRecover_OveruseGuardSkipsDominantStrategy(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("hero-%d", i)
		f.store.InitComponent(id, "hero", nil, false)
		result := f.manager.RecoverRender(context.Background(), id,
			errors.NewTimeoutError("timeout"), RecoverOptions{})
		require.True(t, result.Succeeded)
		require.Equal(t, StrategyRetry, result.Strategy)
	}

	// Retry now accounts for all attempts; the next timeout skips it.
	f.store.InitComponent("hero-x", "hero", nil, false)
	result := f.manager.RecoverRender(context.Background(), "hero-x",
		errors.NewTimeoutError("timeout"), RecoverOptions{})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyFallback, result.Strategy)
	assert.NotContains(t, result.StrategiesTried, StrategyRetry)
}

func TestManualRetry_ResetsBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", nil, false)
	f.renderer.fail["hero-1"] = fmt.Errorf("transient failure")

	// Burn the retry budget; fallback keeps succeeding.
	for i := 0; i < 4; i++ {
		f.manager.RecoverRender(context.Background(), "hero-1",
			errors.NewTimeoutError("timeout"), RecoverOptions{})
	}
	rendersBefore := f.renderer.callCount("hero-1")

	// The renderer recovers; manual retry gets a fresh budget.
	f.renderer.mu.Lock()
	delete(f.renderer.fail, "hero-1")
	f.renderer.mu.Unlock()

	result := f.manager.ManualRetry(context.Background(), "hero-1")
	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyRetry, result.Strategy)
	assert.Greater(t, f.renderer.callCount("hero-1"), rendersBefore)
}

func TestCaptureGoodState_ViaRenderCompletedEvent(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Good"}, false)

	f.bus.Publish(eventbus.TopicRenderCompleted, map[string]any{"componentId": "hero-1"})

	f.store.SetProperty("hero-1", "title", "Bad")
	result := f.manager.RecoverRender(context.Background(), "hero-1",
		fmt.Errorf("corrupt data attribute"), RecoverOptions{})

	assert.True(t, result.Succeeded)
	assert.Equal(t, StrategyReset, result.Strategy)

	el, ok := f.container.Get("hero-1")
	require.True(t, ok)
	assert.Contains(t, el.TextContent(), "Good")
}

func TestHealthSweep_RecoversZombies(t *testing.T) {
	f := newFixture(t, func(cfg *config.RecoveryConfig) {
		cfg.HealthSweepInterval = 10 * time.Millisecond
	})
	f.store.InitComponent("hero-1", "hero", map[string]any{"title": "Alive"}, false)

	// A zombie fragment: empty, hidden, eventless.
	zombie, err := dom.ParseFragment(`<div class="mk-component" data-component-id="hero-1" data-component-type="hero" hidden></div>`)
	require.NoError(t, err)
	f.container.Insert("hero-1", zombie)

	f.manager.StartHealthSweep()

	require.Eventually(t, func() bool {
		el, ok := f.container.Get("hero-1")

		return ok && !el.IsEmpty() && el.IsVisible()
	}, 2*time.Second, 5*time.Millisecond, "sweep never repaired the zombie")

	assert.GreaterOrEqual(t, f.manager.Stats().ZombiesDetected, 1)
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", nil, false)

	f.manager.RecoverRender(context.Background(), "hero-1",
		errors.NewTimeoutError("timeout"), RecoverOptions{})
	f.manager.RecoverRender(context.Background(), "ghost",
		errors.NewValidationError(errors.ErrCodeValidationFailed, "validation failed"),
		RecoverOptions{})

	stats := f.manager.Stats()
	assert.Equal(t, 2, stats.TotalAttempts)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 0.5, stats.SuccessRate)
	// The successful run and the failed run each attempted retry.
	assert.Equal(t, 2, stats.ByStrategy[StrategyRetry])
	assert.Equal(t, 1, stats.ByStrategy[StrategyReset])
}

func TestRecoveryEventsPublished(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InitComponent("hero-1", "hero", nil, false)

	var success, failed int
	f.bus.Subscribe(eventbus.TopicRecoverySuccess, func(eventbus.Event) { success++ })
	f.bus.Subscribe(eventbus.TopicRecoveryFailed, func(eventbus.Event) { failed++ })

	f.manager.RecoverRender(context.Background(), "hero-1",
		errors.NewTimeoutError("timeout"), RecoverOptions{})
	f.manager.RecoverRender(context.Background(), "ghost",
		errors.NewValidationError(errors.ErrCodeValidationFailed, "validation failed"),
		RecoverOptions{})

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, failed)
}
