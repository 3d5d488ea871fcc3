// Package dom models the rendered page as an explicit fragment tree. Each
// component render produces one Element parsed from the renderer's HTML
// output; a Container holds the elements in layout order. The container is a
// derived view, all authoritative data lives in the state store.
package dom

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Well-known attributes carried by component fragments.
const (
	AttrComponentID   = "data-component-id"
	AttrComponentType = "data-component-type"
	AttrRenderedAt    = "data-rendered-at"
)

// Element wraps one parsed component fragment. The zero value is not usable;
// construct via ParseFragment.
type Element struct {
	root *html.Node
}

// ParseFragment parses renderer output into an Element. When the markup has
// several top-level elements they are wrapped in a synthetic div so every
// fragment has exactly one root.
func ParseFragment(markup string) (*Element, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}

	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fragment: %w", err)
	}

	var elements []*html.Node
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			elements = append(elements, n)
		}
	}

	switch len(elements) {
	case 0:
		return nil, fmt.Errorf("fragment contains no element nodes")
	case 1:
		return &Element{root: elements[0]}, nil
	default:
		wrapper := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
		for _, n := range nodes {
			if n.Parent != nil {
				n.Parent.RemoveChild(n)
			}
			wrapper.AppendChild(n)
		}

		return &Element{root: wrapper}, nil
	}
}

// ID returns the component id attribute, falling back to the plain id.
func (e *Element) ID() string {
	if id := e.Attr(AttrComponentID); id != "" {
		return id
	}

	return e.Attr("id")
}

// ComponentType returns the component type attribute.
func (e *Element) ComponentType() string {
	return e.Attr(AttrComponentType)
}

// Tag returns the root element's tag name.
func (e *Element) Tag() string {
	return e.root.Data
}

// Attr returns the value of an attribute on the root element.
func (e *Element) Attr(name string) string {
	for _, a := range e.root.Attr {
		if a.Key == name {
			return a.Val
		}
	}

	return ""
}

// HasAttr reports whether the root element carries an attribute.
func (e *Element) HasAttr(name string) bool {
	for _, a := range e.root.Attr {
		if a.Key == name {
			return true
		}
	}

	return false
}

// SetAttr sets an attribute on the root element.
func (e *Element) SetAttr(name, value string) {
	for i, a := range e.root.Attr {
		if a.Key == name {
			e.root.Attr[i].Val = value

			return
		}
	}

	e.root.Attr = append(e.root.Attr, html.Attribute{Key: name, Val: value})
}

// RemoveAttr removes an attribute from the root element.
func (e *Element) RemoveAttr(name string) {
	for i, a := range e.root.Attr {
		if a.Key == name {
			e.root.Attr = append(e.root.Attr[:i], e.root.Attr[i+1:]...)

			return
		}
	}
}

// Dataset returns a data-* attribute by its bare key.
func (e *Element) Dataset(key string) string {
	return e.Attr("data-" + key)
}

// SetDataset sets a data-* attribute by its bare key.
func (e *Element) SetDataset(key, value string) {
	e.SetAttr("data-"+key, value)
}

// MarkRendered stamps the fragment with the current render time.
func (e *Element) MarkRendered(now time.Time) {
	e.SetAttr(AttrRenderedAt, strconv.FormatInt(now.UnixMilli(), 10))
}

// RenderedAt returns the render timestamp, or the zero time when the stamp is
// missing or unparseable.
func (e *Element) RenderedAt() time.Time {
	raw := e.Attr(AttrRenderedAt)
	if raw == "" {
		return time.Time{}
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

// Classes returns the root element's class list.
func (e *Element) Classes() []string {
	return strings.Fields(e.Attr("class"))
}

// HasClass reports whether the root element carries a class.
func (e *Element) HasClass(name string) bool {
	for _, c := range e.Classes() {
		if c == name {
			return true
		}
	}

	return false
}

// AddClass adds a class to the root element if not already present.
func (e *Element) AddClass(name string) {
	if e.HasClass(name) {
		return
	}

	classes := append(e.Classes(), name)
	e.SetAttr("class", strings.Join(classes, " "))
}

// RemoveClass removes a class from the root element.
func (e *Element) RemoveClass(name string) {
	classes := e.Classes()
	out := classes[:0]
	for _, c := range classes {
		if c != name {
			out = append(out, c)
		}
	}

	e.SetAttr("class", strings.Join(out, " "))
}

// IsVisible reports whether the fragment would be visible: no hidden
// attribute and no display:none or visibility:hidden inline style.
func (e *Element) IsVisible() bool {
	if e.HasAttr("hidden") {
		return false
	}

	style := strings.ToLower(strings.ReplaceAll(e.Attr("style"), " ", ""))
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return false
	}

	return true
}

// TextContent returns the concatenated text of the fragment.
func (e *Element) TextContent() string {
	var sb strings.Builder
	collectText(e.root, &sb)

	return sb.String()
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// ChildElementCount returns the number of direct child elements.
func (e *Element) ChildElementCount() int {
	count := 0
	for c := e.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			count++
		}
	}

	return count
}

// IsEmpty reports whether the fragment has no child elements and no
// non-whitespace text.
func (e *Element) IsEmpty() bool {
	return e.ChildElementCount() == 0 && strings.TrimSpace(e.TextContent()) == ""
}

// OuterHTML renders the fragment back to markup.
func (e *Element) OuterHTML() (string, error) {
	var sb strings.Builder
	if err := html.Render(&sb, e.root); err != nil {
		return "", fmt.Errorf("failed to render fragment: %w", err)
	}

	return sb.String(), nil
}

// FindAll returns all descendant elements (including the root) matching the
// predicate, in document order.
func (e *Element) FindAll(match func(*Element) bool) []*Element {
	var out []*Element
	walk(e.root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		el := &Element{root: n}
		if match(el) {
			out = append(out, el)
		}
	})

	return out
}

func walk(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

// FindByTag returns all descendant elements with the given tag name.
func (e *Element) FindByTag(tag string) []*Element {
	return e.FindAll(func(el *Element) bool { return el.Tag() == tag })
}

// FindByClass returns all descendant elements carrying the given class.
func (e *Element) FindByClass(name string) []*Element {
	return e.FindAll(func(el *Element) bool { return el.HasClass(name) })
}

// FindByAttr returns all descendant elements carrying the given attribute.
func (e *Element) FindByAttr(name string) []*Element {
	return e.FindAll(func(el *Element) bool { return el.HasAttr(name) })
}

// DataAttrs returns all data-* attributes on the root element keyed by their
// bare name.
func (e *Element) DataAttrs() map[string]string {
	out := make(map[string]string)
	for _, a := range e.root.Attr {
		if strings.HasPrefix(a.Key, "data-") {
			out[strings.TrimPrefix(a.Key, "data-")] = a.Val
		}
	}

	return out
}

// Clone returns a deep copy of the fragment.
func (e *Element) Clone() *Element {
	return &Element{root: cloneNode(e.root)}
}

func cloneNode(n *html.Node) *html.Node {
	clone := &html.Node{
		Type:     n.Type,
		DataAtom: n.DataAtom,
		Data:     n.Data,
		Attr:     append([]html.Attribute(nil), n.Attr...),
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		clone.AppendChild(cloneNode(c))
	}

	return clone
}
