// Package renderer defines the template-rendering boundary the queue calls
// into, plus a built-in html/template implementation with one template per
// component type and mock-prop generation for preview use.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/guestify/mediakit/internal/errors"
	"github.com/guestify/mediakit/internal/logging"
)

// TemplateRenderer produces HTML for one component. Implementations must be
// idempotent for identical (componentType, props) and safe for concurrent
// calls with different ids.
type TemplateRenderer interface {
	RenderComponent(ctx context.Context, componentType, id string, props map[string]any) (string, error)
	HasTemplate(componentType string) bool
}

var titleCaser = cases.Title(language.English)

// Humanize turns a type name like "social-links" into "Social Links".
func Humanize(name string) string {
	return titleCaser.String(strings.ReplaceAll(strings.ReplaceAll(name, "-", " "), "_", " "))
}

type templateContext struct {
	ID    string
	Type  string
	Label string
	Props map[string]any
}

// BuiltinRenderer renders components from an embedded per-type template set.
type BuiltinRenderer struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
	logger    logging.Logger
}

// NewBuiltinRenderer creates a renderer with the standard template set.
func NewBuiltinRenderer(logger logging.Logger) *BuiltinRenderer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	r := &BuiltinRenderer{
		templates: make(map[string]*template.Template),
		logger:    logger.WithComponent("renderer"),
	}

	for name, body := range builtinTemplates {
		r.templates[name] = template.Must(template.New(name).Funcs(template.FuncMap{
			"prop":     propFn,
			"humanize": Humanize,
		}).Parse(body))
	}

	return r
}

func propFn(props map[string]any, key, fallback string) string {
	if props == nil {
		return fallback
	}
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
		if v != nil {
			return fmt.Sprint(v)
		}
	}

	return fallback
}

// RenderComponent renders one component to markup. Unknown types fail with a
// non-retryable error; empty output is reported as a failure rather than
// returned.
func (r *BuiltinRenderer) RenderComponent(ctx context.Context, componentType, id string, props map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.RLock()
	tmpl, exists := r.templates[componentType]
	r.mu.RUnlock()

	if !exists {
		return "", errors.ErrTypeNotFound(componentType)
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, templateContext{
		ID:    id,
		Type:  componentType,
		Label: Humanize(componentType),
		Props: props,
	})
	if err != nil {
		return "", errors.NewRenderError(errors.ErrCodeRenderFailed,
			"template execution failed", err).WithComponent(id)
	}

	markup := strings.TrimSpace(buf.String())
	if markup == "" {
		return "", errors.NewRenderError(errors.ErrCodeEmptyOutput,
			"renderer produced empty output", nil).WithComponent(id)
	}

	return markup, nil
}

// HasTemplate reports whether a type has a registered template.
func (r *BuiltinRenderer) HasTemplate(componentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.templates[componentType]

	return exists
}

// RegisterTemplate adds or replaces a template at runtime.
func (r *BuiltinRenderer) RegisterTemplate(componentType, body string) error {
	tmpl, err := template.New(componentType).Funcs(template.FuncMap{
		"prop":     propFn,
		"humanize": Humanize,
	}).Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse template for %s: %w", componentType, err)
	}

	r.mu.Lock()
	r.templates[componentType] = tmpl
	r.mu.Unlock()

	return nil
}

// Types returns the registered template types.
func (r *BuiltinRenderer) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}

	return out
}

var builtinTemplates = map[string]string{
	"hero": `<section class="mk-component mk-hero" data-component-id="{{.ID}}" data-component-type="hero">
  <h1 class="mk-hero__title">{{prop .Props "title" "Your Name"}}</h1>
  <p class="mk-hero__subtitle">{{prop .Props "subtitle" "Speaker and Author"}}</p>
</section>`,

	"biography": `<section class="mk-component mk-biography" data-component-id="{{.ID}}" data-component-type="biography">
  <h2 class="mk-biography__heading">{{prop .Props "heading" "About"}}</h2>
  <p class="mk-biography__body">{{prop .Props "bio" "Add your biography here."}}</p>
</section>`,

	"stats": `<section class="mk-component mk-stats" data-component-id="{{.ID}}" data-component-type="stats">
  <h2 class="mk-stats__heading">{{prop .Props "heading" "Stats"}}</h2>
  <ul class="mk-stats__list">{{range $item := .Props.items}}
    <li class="mk-stats__item">{{$item}}</li>{{end}}
  </ul>
</section>`,

	"social": `<nav class="mk-component mk-social" data-component-id="{{.ID}}" data-component-type="social">
  <ul class="mk-social__list">{{range $name, $url := .Props.links}}
    <li class="mk-social__item"><a href="{{$url}}" rel="noopener">{{$name}}</a></li>{{end}}
  </ul>
</nav>`,

	"topics": `<section class="mk-component mk-topics" data-component-id="{{.ID}}" data-component-type="topics">
  <h2 class="mk-topics__heading">{{prop .Props "heading" "Speaking Topics"}}</h2>
  <ul class="mk-topics__list">{{range $topic := .Props.topics}}
    <li class="mk-topics__item">{{$topic}}</li>{{end}}
  </ul>
</section>`,

	"text": `<section class="mk-component mk-text" data-component-id="{{.ID}}" data-component-type="text">
  <p>{{prop .Props "content" "Add text here."}}</p>
</section>`,

	"image": `<figure class="mk-component mk-image" data-component-id="{{.ID}}" data-component-type="image">
  <img src="{{prop .Props "src" "placeholder.png"}}" alt="{{prop .Props "alt" "Image"}}"/>
  <figcaption>{{prop .Props "caption" ""}}</figcaption>
</figure>`,

	"cta": `<section class="mk-component mk-cta" data-component-id="{{.ID}}" data-component-type="cta">
  <a class="mk-cta__button" href="{{prop .Props "url" "#"}}" role="button">{{prop .Props "label" "Get in Touch"}}</a>
</section>`,

	"logo": `<div class="mk-component mk-logo" data-component-id="{{.ID}}" data-component-type="logo">
  <img src="{{prop .Props "src" "logo.png"}}" alt="{{prop .Props "alt" "Logo"}}"/>
</div>`,

	"default": `<div class="mk-component mk-generic" data-component-id="{{.ID}}" data-component-type="{{.Type}}">
  <h3>{{.Label}}</h3>
  <p>{{prop .Props "content" "Component content"}}</p>
</div>`,
}

// MockProps generates preview props for a component type.
func MockProps(componentType string) map[string]any {
	switch componentType {
	case "hero":
		return map[string]any{"title": "Jordan Avery", "subtitle": "Keynote Speaker"}
	case "biography":
		return map[string]any{"heading": "About", "bio": "Jordan has spoken at over 100 events worldwide."}
	case "stats":
		return map[string]any{"heading": "By the Numbers", "items": []any{"100+ talks", "12 countries", "4 books"}}
	case "social":
		return map[string]any{"links": map[string]any{"twitter": "https://example.com/t", "linkedin": "https://example.com/l"}}
	case "topics":
		return map[string]any{"heading": "Topics", "topics": []any{"Leadership", "Resilience"}}
	case "text":
		return map[string]any{"content": "Sample paragraph content."}
	case "image":
		return map[string]any{"src": "sample.jpg", "alt": "Sample image", "caption": "A sample"}
	case "cta":
		return map[string]any{"label": "Book Now", "url": "https://example.com/book"}
	case "logo":
		return map[string]any{"src": "logo.svg", "alt": "Brand logo"}
	default:
		return map[string]any{"content": "Preview content"}
	}
}
