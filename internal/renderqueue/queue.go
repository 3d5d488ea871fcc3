// Package renderqueue turns "component X needs a render" into a reliably
// completed or gracefully failed fragment update, under bounded concurrency
// and backpressure. Requests carry a priority, are deduplicated per
// component, retried on an escalating schedule, gated by validation, and
// protected by a circuit breaker.
package renderqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guestify/mediakit/internal/circuit"
	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/errors"
	"github.com/guestify/mediakit/internal/eventbus"
	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/renderer"
	"github.com/guestify/mediakit/internal/types"
	"github.com/guestify/mediakit/internal/validator"
)

// Result reports the outcome of one render request to its acknowledgment
// callback.
type Result struct {
	RenderID    string
	ComponentID string
	Success     bool
	Err         error
	Duration    time.Duration
	Attempts    int
}

// AckFn receives the final outcome of a request.
type AckFn func(Result)

// RenderOptions tunes one request.
type RenderOptions struct {
	// ValidateRender gates the result through the validator; scores below
	// the hard-failure line are treated as render failures.
	ValidateRender bool
	// FallbackOnError inserts a minimal placeholder fragment when retries
	// are exhausted, so the page never shows a blank gap.
	FallbackOnError bool
	// RequireAck arms the acknowledgment timeout for this request.
	RequireAck bool
	// OnComplete fires once with the final outcome.
	OnComplete AckFn
}

type attempt struct {
	startedAt time.Time
	duration  time.Duration
	err       error
}

type request struct {
	renderID    string
	componentID string
	data        types.RenderData
	priority    types.Priority
	enqueuedAt  time.Time
	retryCount  int
	attempts    []attempt
	options     RenderOptions
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Queued          int
	InFlight        int
	Completed       int
	Failed          int
	Retries         int
	Superseded      int
	AckTimeouts     int
	FallbacksServed int
	HighWaterMark   int
	AvgRenderMillis float64
	BreakerState    circuit.State
}

// Manager is the render queue.
type Manager struct {
	cfg       config.QueueConfig
	renderer  renderer.TemplateRenderer
	container *dom.Container
	validator *validator.Validator
	breaker   *circuit.Breaker
	bus       *eventbus.Bus
	logger    logging.Logger

	mu          sync.Mutex
	buckets     map[types.Priority][]*request
	queued      map[string]*request
	inFlight    map[string]bool
	pendingAcks map[string]*time.Timer
	processing  bool
	timer       *time.Timer
	initialLoad bool
	closed      bool

	sem chan struct{}

	completed       int
	failed          int
	retries         int
	superseded      int
	ackTimeouts     int
	fallbacksServed int
	highWaterMark   int
	totalRenderTime time.Duration
}

// Options wires a Manager.
type Options struct {
	Config    config.QueueConfig
	Renderer  renderer.TemplateRenderer
	Container *dom.Container
	Validator *validator.Validator
	Bus       *eventbus.Bus
	Logger    logging.Logger
}

// New creates a render queue. The validator may be nil when no request uses
// the validation gate.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Manager{
		cfg:         opts.Config,
		renderer:    opts.Renderer,
		container:   opts.Container,
		validator:   opts.Validator,
		breaker:     circuit.New(opts.Config.BreakerThreshold, opts.Config.BreakerReset),
		bus:         opts.Bus,
		logger:      logger.WithComponent("render_queue"),
		buckets:     make(map[types.Priority][]*request),
		queued:      make(map[string]*request),
		inFlight:    make(map[string]bool),
		pendingAcks: make(map[string]*time.Timer),
		sem:         make(chan struct{}, opts.Config.MaxConcurrent),
	}
}

// AddToQueue enqueues a render request and returns its render id. A request
// for a component that is already queued but not yet started supersedes the
// old one, cancelling its pending acknowledgment and adopting the new
// priority.
func (m *Manager) AddToQueue(componentID string, data types.RenderData, priority types.Priority, options RenderOptions) string {
	if !priority.Valid() {
		priority = types.PriorityNormal
	}

	req := &request{
		renderID:    uuid.NewString(),
		componentID: componentID,
		data:        data.Clone(),
		priority:    priority,
		enqueuedAt:  time.Now(),
		options:     options,
	}

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return ""
	}

	if old, exists := m.queued[componentID]; exists {
		m.dropLocked(old)
		m.superseded++
	}

	m.queued[componentID] = req
	m.buckets[priority] = append(m.buckets[priority], req)

	if depth := m.depthLocked(); depth > m.highWaterMark {
		m.highWaterMark = depth
	}

	if options.RequireAck {
		m.armAckTimeoutLocked(req)
	}

	// Critical requests bypass the batch delay.
	delay := m.cfg.BatchDelay
	if priority == types.PriorityCritical {
		delay = 0
	}
	m.scheduleLocked(delay)

	m.mu.Unlock()

	return req.renderID
}

// dropLocked removes a queued request from its bucket and cancels its ack.
func (m *Manager) dropLocked(req *request) {
	bucket := m.buckets[req.priority]
	for i, queued := range bucket {
		if queued.renderID == req.renderID {
			m.buckets[req.priority] = append(bucket[:i], bucket[i+1:]...)

			break
		}
	}

	m.cancelAckLocked(req.renderID)
}

func (m *Manager) armAckTimeoutLocked(req *request) {
	renderID := req.renderID
	componentID := req.componentID
	m.pendingAcks[renderID] = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.mu.Lock()
		delete(m.pendingAcks, renderID)
		m.ackTimeouts++
		m.mu.Unlock()

		m.logger.Warn(context.Background(), nil, "Render request never acknowledged",
			"component_id", componentID,
			"render_id", renderID,
		)
	})
}

func (m *Manager) cancelAckLocked(renderID string) {
	if timer, exists := m.pendingAcks[renderID]; exists {
		timer.Stop()
		delete(m.pendingAcks, renderID)
	}
}

// Ack confirms a completed request before its acknowledgment timeout.
func (m *Manager) Ack(renderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelAckLocked(renderID)
}

// SetInitialLoadMode doubles the batch size while the first page load drains
// the backlog.
func (m *Manager) SetInitialLoadMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialLoad = on
}

// scheduleLocked arms the processing timer unless a batch is running or a
// timer is already pending. A zero delay fires on a fresh goroutine.
func (m *Manager) scheduleLocked(delay time.Duration) {
	if m.processing || m.timer != nil || m.closed {
		return
	}

	m.timer = time.AfterFunc(delay, m.processBatch)
}

func (m *Manager) processBatch() {
	m.mu.Lock()
	m.timer = nil

	if m.processing || m.closed {
		m.mu.Unlock()

		return
	}

	if !m.breaker.Allow() {
		// Breaker open: park the queue and probe again later.
		m.logger.Warn(context.Background(), nil, "Queue paused, circuit breaker open",
			"queued", m.depthLocked(),
		)
		m.scheduleLocked(m.cfg.BatchDelay * 10)
		m.mu.Unlock()

		return
	}

	batch := m.buildBatchLocked()
	if len(batch) == 0 {
		m.mu.Unlock()

		return
	}

	m.processing = true
	m.mu.Unlock()

	start := time.Now()
	succeeded := 0
	failedCount := 0

	var wg sync.WaitGroup
	var outcomeMu sync.Mutex
	for _, req := range batch {
		req := req
		wg.Add(1)
		m.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-m.sem }()

			ok := m.execute(req)

			outcomeMu.Lock()
			if ok {
				succeeded++
			} else {
				failedCount++
			}
			outcomeMu.Unlock()
		}()
	}
	wg.Wait()

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicRenderBatchCompleted, map[string]any{
			"batchSize":  len(batch),
			"succeeded":  succeeded,
			"failed":     failedCount,
			"durationMs": time.Since(start).Milliseconds(),
		})
	}

	m.mu.Lock()
	m.processing = false
	if m.depthLocked() > 0 {
		m.scheduleLocked(m.cfg.BatchDelay)
	}
	m.mu.Unlock()
}

// buildBatchLocked drains the priority buckets in strict order up to the
// batch size, skipping components already mid-flight.
func (m *Manager) buildBatchLocked() []*request {
	limit := m.cfg.BatchSize
	if m.initialLoad {
		limit *= 2
	}

	var batch []*request
	for _, priority := range types.Priorities {
		bucket := m.buckets[priority]
		remaining := bucket[:0]
		for _, req := range bucket {
			if len(batch) < limit && !m.inFlight[req.componentID] {
				batch = append(batch, req)
				m.inFlight[req.componentID] = true
				delete(m.queued, req.componentID)
			} else {
				remaining = append(remaining, req)
			}
		}
		m.buckets[priority] = append([]*request(nil), remaining...)
	}

	return batch
}

// execute runs one request end to end and reports success.
func (m *Manager) execute(req *request) bool {
	started := time.Now()

	ctx := context.Background()
	if m.cfg.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RenderTimeout)
		defer cancel()
	}

	markup, err := m.renderer.RenderComponent(ctx, req.data.Type, req.componentID, req.data.Props)
	duration := time.Since(started)
	req.attempts = append(req.attempts, attempt{startedAt: started, duration: duration, err: err})

	if err == nil {
		err = m.applyMarkup(req, markup)
	}

	if err == nil && req.options.ValidateRender && m.validator != nil {
		m.validator.Invalidate(req.componentID)
		result := m.validator.ValidateRender(req.componentID, validator.ValidateOptions{SkipCache: true})
		if result.HealthScore < m.cfg.HardFailureScore {
			err = errors.NewValidationError(errors.ErrCodeValidationFailed,
				fmt.Sprintf("render health score %d below hard-failure line", result.HealthScore)).
				WithComponent(req.componentID)
		}
	}

	m.clearInFlight(req.componentID)

	if err != nil {
		return m.handleFailure(req, err, duration)
	}

	m.breaker.RecordSuccess()

	m.mu.Lock()
	m.completed++
	m.totalRenderTime += duration
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicRenderCompleted, map[string]any{
			"componentId": req.componentID,
			"renderId":    req.renderID,
			"durationMs":  duration.Milliseconds(),
			"attempts":    len(req.attempts),
		})
	}

	m.finish(req, Result{
		RenderID:    req.renderID,
		ComponentID: req.componentID,
		Success:     true,
		Duration:    duration,
		Attempts:    len(req.attempts),
	})

	return true
}

func (m *Manager) applyMarkup(req *request, markup string) error {
	el, err := dom.ParseFragment(markup)
	if err != nil {
		return errors.NewRenderError(errors.ErrCodeRenderFailed,
			"renderer produced unparseable markup", err).WithComponent(req.componentID)
	}

	if el.Attr(dom.AttrComponentID) == "" {
		el.SetAttr(dom.AttrComponentID, req.componentID)
	}
	if el.Attr(dom.AttrComponentType) == "" {
		el.SetAttr(dom.AttrComponentType, req.data.Type)
	}

	// Skip the no-op swap when the markup did not actually change.
	if existing, ok := m.container.Get(req.componentID); ok && fragmentsEquivalent(existing, el) {
		return nil
	}

	el.MarkRendered(time.Now())
	m.container.Insert(req.componentID, el)

	return nil
}

// fragmentsEquivalent compares two fragments ignoring the render timestamp.
func fragmentsEquivalent(a, b *dom.Element) bool {
	ac := a.Clone()
	bc := b.Clone()
	ac.RemoveAttr(dom.AttrRenderedAt)
	bc.RemoveAttr(dom.AttrRenderedAt)

	aHTML, errA := ac.OuterHTML()
	bHTML, errB := bc.OuterHTML()

	return errA == nil && errB == nil && aHTML == bHTML
}

func (m *Manager) clearInFlight(componentID string) {
	m.mu.Lock()
	delete(m.inFlight, componentID)
	m.mu.Unlock()
}

// handleFailure routes a failed attempt to retry, fallback, or final
// failure. Returns false always; the request did not succeed this attempt.
func (m *Manager) handleFailure(req *request, err error, duration time.Duration) bool {
	m.breaker.RecordFailure()

	retryable := !errors.NonRetryable(err) && req.retryCount < m.cfg.MaxRetries

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicRenderFailed, map[string]any{
			"componentId": req.componentID,
			"renderId":    req.renderID,
			"error":       err.Error(),
			"willRetry":   retryable,
			"retryCount":  req.retryCount,
		})
	}

	if retryable {
		m.scheduleRetry(req, err)

		return false
	}

	m.logger.Error(context.Background(), err, "Render permanently failed",
		"component_id", req.componentID,
		"attempts", len(req.attempts),
	)

	if req.options.FallbackOnError {
		m.serveFallback(req)
	}

	m.mu.Lock()
	m.failed++
	m.mu.Unlock()

	m.finish(req, Result{
		RenderID:    req.renderID,
		ComponentID: req.componentID,
		Success:     false,
		Err:         err,
		Duration:    duration,
		Attempts:    len(req.attempts),
	})

	return false
}

// scheduleRetry re-enqueues a failed request at high priority after its
// escalating delay. If a newer request for the component arrives before the
// delay elapses, the retry yields to it.
func (m *Manager) scheduleRetry(req *request, cause error) {
	delay := m.cfg.RetryDelays[min(req.retryCount, len(m.cfg.RetryDelays)-1)]
	req.retryCount++

	m.mu.Lock()
	m.retries++
	m.mu.Unlock()

	m.logger.Debug(context.Background(), "Render retry scheduled",
		"component_id", req.componentID,
		"retry_count", req.retryCount,
		"delay", delay.String(),
		"cause", cause.Error(),
	)

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			return
		}

		if _, exists := m.queued[req.componentID]; exists {
			// Superseded while waiting; the newer request wins.
			m.superseded++

			return
		}

		req.priority = types.PriorityHigh
		m.queued[req.componentID] = req
		m.buckets[types.PriorityHigh] = append(m.buckets[types.PriorityHigh], req)
		m.scheduleLocked(0)
	})
}

// serveFallback synthesizes a minimal placeholder fragment so the component
// slot is never blank.
func (m *Manager) serveFallback(req *request) {
	label := renderer.Humanize(req.data.Type)
	markup := fmt.Sprintf(
		`<div class="mk-component mk-fallback" data-component-id="%s" data-component-type="%s"><p class="mk-fallback__label">%s unavailable</p></div>`,
		req.componentID, req.data.Type, label,
	)

	el, err := dom.ParseFragment(markup)
	if err != nil {
		return
	}
	el.MarkRendered(time.Now())
	m.container.Insert(req.componentID, el)

	m.mu.Lock()
	m.fallbacksServed++
	m.mu.Unlock()

	m.logger.Info(context.Background(), "Fallback fragment served",
		"component_id", req.componentID,
		"component_type", req.data.Type,
	)
}

func (m *Manager) finish(req *request, result Result) {
	if !result.Success {
		// A failed request will never be acknowledged; disarm the timer.
		m.mu.Lock()
		m.cancelAckLocked(req.renderID)
		m.mu.Unlock()
	}

	if req.options.OnComplete != nil {
		req.options.OnComplete(result)
	}
}

func (m *Manager) depthLocked() int {
	total := 0
	for _, bucket := range m.buckets {
		total += len(bucket)
	}

	return total
}

// QueueDepth returns the number of waiting requests.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.depthLocked()
}

// BreakerState returns the queue breaker's state.
func (m *Manager) BreakerState() circuit.State {
	return m.breaker.State()
}

// Stats returns a snapshot of queue activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if m.completed > 0 {
		avg = float64(m.totalRenderTime.Milliseconds()) / float64(m.completed)
	}

	return Stats{
		Queued:          m.depthLocked(),
		InFlight:        len(m.inFlight),
		Completed:       m.completed,
		Failed:          m.failed,
		Retries:         m.retries,
		Superseded:      m.superseded,
		AckTimeouts:     m.ackTimeouts,
		FallbacksServed: m.fallbacksServed,
		HighWaterMark:   m.highWaterMark,
		AvgRenderMillis: avg,
		BreakerState:    m.breaker.State(),
	}
}

// Stop drains nothing: it cancels pending timers and rejects further work.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for renderID, timer := range m.pendingAcks {
		timer.Stop()
		delete(m.pendingAcks, renderID)
	}
	m.buckets = make(map[types.Priority][]*request)
	m.queued = make(map[string]*request)
}
