// Package validator quantifies whether a render actually succeeded: it
// inspects the produced fragment against a weighted battery of checks and
// yields a 0-100 health score, and detects zombie fragments that look
// rendered but are functionally dead.
package validator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/dom"
	"github.com/guestify/mediakit/internal/eventbus"
	"github.com/guestify/mediakit/internal/logging"
	"github.com/guestify/mediakit/internal/types"
)

// Check names.
const (
	CheckStructure     = "dom_structure"
	CheckClasses       = "css_classes"
	CheckData          = "data_integrity"
	CheckEvents        = "event_handlers"
	CheckContent       = "content"
	CheckImages        = "images"
	CheckLinks         = "links"
	CheckAccessibility = "accessibility"
	CheckBasic         = "basic"
)

var defaultCheckSet = []string{CheckStructure, CheckClasses, CheckData, CheckContent, CheckBasic}

// checkSets maps detected component types to the checks that apply to them.
var checkSets = map[string][]string{
	"hero":      {CheckStructure, CheckClasses, CheckData, CheckContent, CheckAccessibility},
	"biography": {CheckStructure, CheckClasses, CheckData, CheckContent, CheckAccessibility},
	"stats":     {CheckStructure, CheckClasses, CheckData, CheckContent},
	"social":    {CheckStructure, CheckClasses, CheckEvents, CheckLinks, CheckContent},
	"topics":    {CheckStructure, CheckClasses, CheckData, CheckContent},
	"text":      {CheckStructure, CheckClasses, CheckContent, CheckBasic},
	"image":     {CheckStructure, CheckClasses, CheckImages, CheckAccessibility, CheckData},
	"cta":       {CheckStructure, CheckClasses, CheckEvents, CheckLinks, CheckAccessibility},
	"logo":      {CheckStructure, CheckClasses, CheckImages, CheckAccessibility},
}

type cachedResult struct {
	result  *types.ValidationResult
	expires time.Time
}

// ValidateOptions tunes one validation pass.
type ValidateOptions struct {
	// Threshold overrides the configured pass threshold when positive.
	// Recovery re-validation runs with a lower bar than the render path.
	Threshold int
	// SkipCache forces a fresh pass.
	SkipCache bool
}

// Validator scores rendered fragments.
type Validator struct {
	mu        sync.Mutex
	cache     map[string]cachedResult
	container *dom.Container
	cfg       config.ValidatorConfig
	logger    logging.Logger
	bus       *eventbus.Bus
	now       func() time.Time
}

// New creates a validator over the given fragment container.
func New(container *dom.Container, cfg config.ValidatorConfig, logger logging.Logger, bus *eventbus.Bus) *Validator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Validator{
		cache:     make(map[string]cachedResult),
		container: container,
		cfg:       cfg,
		logger:    logger.WithComponent("render_validator"),
		bus:       bus,
		now:       time.Now,
	}
}

// ValidateRender scores one rendered component. A missing fragment scores 0.
func (v *Validator) ValidateRender(componentID string, opts ValidateOptions) *types.ValidationResult {
	threshold := v.cfg.HealthThreshold
	if opts.Threshold > 0 {
		threshold = opts.Threshold
	}

	if !opts.SkipCache {
		if cached := v.cachedFor(componentID); cached != nil {
			return cached
		}
	}

	result := v.validate(componentID, threshold)

	v.mu.Lock()
	v.cache[componentID] = cachedResult{result: result, expires: v.now().Add(v.cfg.CacheTTL)}
	v.mu.Unlock()

	if v.bus != nil {
		v.bus.Publish(eventbus.TopicRenderValidated, map[string]any{
			"componentId": componentID,
			"passed":      result.Passed,
			"healthScore": result.HealthScore,
		})
	}

	return result
}

func (v *Validator) cachedFor(componentID string) *types.ValidationResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	cached, ok := v.cache[componentID]
	if !ok || v.now().After(cached.expires) {
		delete(v.cache, componentID)

		return nil
	}

	return cached.result
}

// Invalidate drops the cached result for a component. Called after the
// fragment is replaced.
func (v *Validator) Invalidate(componentID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.cache, componentID)
}

func (v *Validator) validate(componentID string, threshold int) *types.ValidationResult {
	result := &types.ValidationResult{
		ComponentID: componentID,
		Details:     make(map[string]types.CheckResult),
		Timestamp:   v.now(),
	}

	el, exists := v.container.Get(componentID)
	if !exists {
		result.Err = "component fragment not found"

		return result
	}

	componentType := detectType(el)
	checks := checkSets[componentType]
	if checks == nil {
		checks = defaultCheckSet
	}

	totalWeight := 0
	weightedScore := 0
	for _, check := range checks {
		checkResult := v.runCheck(check, componentID, el)
		result.Details[check] = checkResult

		weight := v.weightOf(check)
		totalWeight += weight
		weightedScore += checkResult.Score * weight
	}

	if totalWeight > 0 {
		result.HealthScore = weightedScore / totalWeight
	}
	result.Passed = result.HealthScore >= threshold

	if !result.Passed {
		v.logger.Debug(context.Background(), "Render validation below threshold",
			"component_id", componentID,
			"component_type", componentType,
			"health_score", result.HealthScore,
			"threshold", threshold,
		)
	}

	return result
}

// detectType infers the component type from the type attribute, falling back
// to mk-* class names.
func detectType(el *dom.Element) string {
	if t := el.ComponentType(); t != "" {
		return t
	}

	for _, class := range el.Classes() {
		if name, ok := strings.CutPrefix(class, "mk-"); ok && name != "component" {
			return name
		}
	}

	return "default"
}

func (v *Validator) weightOf(check string) int {
	w := v.cfg.Weights
	switch check {
	case CheckStructure:
		return w.DOMStructure
	case CheckClasses:
		return w.CSSClasses
	case CheckData:
		return w.DataIntegrity
	case CheckEvents:
		return w.EventHandlers
	case CheckContent:
		return w.Content
	case CheckAccessibility:
		return w.Accessibility
	default:
		// images, links, basic share the misc weight
		return w.Performance
	}
}

func (v *Validator) runCheck(check, componentID string, el *dom.Element) types.CheckResult {
	switch check {
	case CheckStructure:
		return checkStructure(componentID, el)
	case CheckClasses:
		return checkClasses(el)
	case CheckData:
		return checkData(el)
	case CheckEvents:
		return v.checkEvents(componentID)
	case CheckContent:
		return checkContent(el)
	case CheckImages:
		return checkImages(el)
	case CheckLinks:
		return checkLinks(el)
	case CheckAccessibility:
		return checkAccessibility(el)
	default:
		return checkBasic(el)
	}
}

func checkStructure(componentID string, el *dom.Element) types.CheckResult {
	details := map[string]bool{
		"id_matches":  el.ID() == componentID,
		"has_content": el.ChildElementCount() > 0 || strings.TrimSpace(el.TextContent()) != "",
		"has_type":    el.ComponentType() != "",
	}

	return scoreDetails(details)
}

func checkClasses(el *dom.Element) types.CheckResult {
	componentType := detectType(el)
	details := map[string]bool{
		"has_component_class": el.HasClass("mk-component"),
		"has_type_class":      componentType != "default" && el.HasClass("mk-"+componentType),
	}

	return scoreDetails(details)
}

func checkData(el *dom.Element) types.CheckResult {
	details := map[string]bool{
		"has_component_id": el.Attr(dom.AttrComponentID) != "",
		"json_attrs_valid": !hasCorruptedJSONAttrs(el),
	}

	return scoreDetails(details)
}

func (v *Validator) checkEvents(componentID string) types.CheckResult {
	attached := v.container.HasListeners(componentID)

	return types.CheckResult{
		Passed:  attached,
		Score:   boolScore(attached),
		Details: map[string]bool{"listeners_attached": attached},
	}
}

var placeholderMarkers = []string{"loading...", "placeholder", "add your", "add text here"}

func checkContent(el *dom.Element) types.CheckResult {
	text := strings.ToLower(strings.TrimSpace(el.TextContent()))

	nonEmpty := text != ""
	nonPlaceholder := true
	for _, marker := range placeholderMarkers {
		if strings.Contains(text, marker) {
			nonPlaceholder = false

			break
		}
	}

	return scoreDetails(map[string]bool{
		"non_empty":       nonEmpty,
		"non_placeholder": nonPlaceholder,
	})
}

func checkImages(el *dom.Element) types.CheckResult {
	images := el.FindByTag("img")
	if len(images) == 0 {
		return types.CheckResult{Passed: false, Score: 0, Details: map[string]bool{"has_images": false}}
	}

	allSourced := true
	for _, img := range images {
		if strings.TrimSpace(img.Attr("src")) == "" {
			allSourced = false

			break
		}
	}

	return scoreDetails(map[string]bool{
		"has_images":  true,
		"all_sourced": allSourced,
	})
}

func checkLinks(el *dom.Element) types.CheckResult {
	links := el.FindByTag("a")
	if len(links) == 0 {
		return types.CheckResult{Passed: false, Score: 0, Details: map[string]bool{"has_links": false}}
	}

	allValid := true
	for _, link := range links {
		href := strings.TrimSpace(link.Attr("href"))
		if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			allValid = false

			break
		}
	}

	return scoreDetails(map[string]bool{
		"has_links": true,
		"all_valid": allValid,
	})
}

func checkAccessibility(el *dom.Element) types.CheckResult {
	details := make(map[string]bool)

	imagesAlt := true
	for _, img := range el.FindByTag("img") {
		if img.Attr("alt") == "" {
			imagesAlt = false

			break
		}
	}
	details["images_have_alt"] = imagesAlt

	linksNamed := true
	for _, link := range el.FindByTag("a") {
		if strings.TrimSpace(link.TextContent()) == "" && link.Attr("aria-label") == "" {
			linksNamed = false

			break
		}
	}
	details["links_have_text"] = linksNamed

	return scoreDetails(details)
}

func checkBasic(el *dom.Element) types.CheckResult {
	return scoreDetails(map[string]bool{
		"visible":   el.IsVisible(),
		"non_empty": !el.IsEmpty(),
	})
}

func scoreDetails(details map[string]bool) types.CheckResult {
	passed := 0
	for _, ok := range details {
		if ok {
			passed++
		}
	}

	score := 0
	if len(details) > 0 {
		score = passed * 100 / len(details)
	}

	return types.CheckResult{
		Passed:  passed == len(details),
		Score:   score,
		Details: details,
	}
}

func boolScore(ok bool) int {
	if ok {
		return 100
	}

	return 0
}

func hasCorruptedJSONAttrs(el *dom.Element) bool {
	for _, value := range el.DataAttrs() {
		trimmed := strings.TrimSpace(value)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			if !json.Valid([]byte(trimmed)) {
				return true
			}
		}
	}

	return false
}

// CheckZombie evaluates the liveness indicators for one component. A
// fragment is a zombie when enough indicators hold simultaneously; a missing
// fragment trivially qualifies.
func (v *Validator) CheckZombie(componentID string) types.ZombieReport {
	indicators := map[string]bool{
		"detached":       false,
		"no_listeners":   false,
		"empty_content":  false,
		"not_visible":    false,
		"corrupted_data": false,
		"stale_render":   false,
	}

	el, exists := v.container.Get(componentID)
	if !exists {
		indicators["detached"] = true
		indicators["no_listeners"] = true
		indicators["empty_content"] = true
		indicators["not_visible"] = true
	} else {
		indicators["no_listeners"] = !v.container.HasListeners(componentID)
		indicators["empty_content"] = el.IsEmpty()
		indicators["not_visible"] = !el.IsVisible()
		indicators["corrupted_data"] = hasCorruptedJSONAttrs(el)

		renderedAt := el.RenderedAt()
		indicators["stale_render"] = !renderedAt.IsZero() && v.now().Sub(renderedAt) > v.cfg.ZombieStaleAfter
	}

	score := 0
	for _, hit := range indicators {
		if hit {
			score++
		}
	}

	return types.ZombieReport{
		IsZombie:   score >= v.cfg.ZombieIndicatorMin,
		Score:      score,
		Indicators: indicators,
	}
}

// SweepZombies checks every attached fragment and returns the ids detected
// as zombies.
func (v *Validator) SweepZombies() []string {
	var zombies []string
	for _, id := range v.container.OrderedIDs() {
		if report := v.CheckZombie(id); report.IsZombie {
			zombies = append(zombies, id)
		}
	}

	return zombies
}

// SetClock overrides the time source. Test hook.
func (v *Validator) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.now = now
}
