package dom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, markup string) *Element {
	t.Helper()

	el, err := ParseFragment(markup)
	require.NoError(t, err)

	return el
}

func TestParseFragment(t *testing.T) {
	el := mustParse(t, `<div class="mk-component mk-hero" data-component-id="hero-1" data-component-type="hero"><h1>Title</h1></div>`)

	assert.Equal(t, "hero-1", el.ID())
	assert.Equal(t, "hero", el.ComponentType())
	assert.Equal(t, "div", el.Tag())
	assert.True(t, el.HasClass("mk-hero"))
	assert.Equal(t, 1, el.ChildElementCount())
}

func TestParseFragment_MultiRootWrapped(t *testing.T) {
	el := mustParse(t, `<p>one</p><p>two</p>`)

	assert.Equal(t, "div", el.Tag())
	assert.Equal(t, 2, el.ChildElementCount())
}

func TestParseFragment_NoElements(t *testing.T) {
	_, err := ParseFragment("just text")
	assert.Error(t, err)
}

func TestElement_Attrs(t *testing.T) {
	el := mustParse(t, `<div id="x" data-settings='{"k":1}'></div>`)

	assert.Equal(t, "x", el.ID())
	assert.Equal(t, `{"k":1}`, el.Dataset("settings"))
	assert.False(t, el.HasAttr("hidden"))

	el.SetAttr("id", "y")
	assert.Equal(t, "y", el.Attr("id"))

	el.SetDataset("state", "ready")
	assert.Equal(t, "ready", el.Dataset("state"))

	el.RemoveAttr("data-settings")
	assert.False(t, el.HasAttr("data-settings"))

	attrs := el.DataAttrs()
	assert.Equal(t, map[string]string{"state": "ready"}, attrs)
}

func TestElement_Classes(t *testing.T) {
	el := mustParse(t, `<div class="a b"></div>`)

	el.AddClass("c")
	el.AddClass("c")
	assert.Equal(t, []string{"a", "b", "c"}, el.Classes())

	el.RemoveClass("b")
	assert.Equal(t, []string{"a", "c"}, el.Classes())
	assert.False(t, el.HasClass("b"))
}

func TestElement_Visibility(t *testing.T) {
	assert.True(t, mustParse(t, `<div></div>`).IsVisible())
	assert.False(t, mustParse(t, `<div hidden></div>`).IsVisible())
	assert.False(t, mustParse(t, `<div style="display: none"></div>`).IsVisible())
	assert.False(t, mustParse(t, `<div style="visibility: hidden"></div>`).IsVisible())
}

func TestElement_TextAndEmpty(t *testing.T) {
	el := mustParse(t, `<div><span>hello</span> world</div>`)
	assert.Equal(t, "hello world", el.TextContent())
	assert.False(t, el.IsEmpty())

	assert.True(t, mustParse(t, `<div>   </div>`).IsEmpty())
}

func TestElement_RenderedAt(t *testing.T) {
	el := mustParse(t, `<div></div>`)
	assert.True(t, el.RenderedAt().IsZero())

	now := time.Now()
	el.MarkRendered(now)
	assert.WithinDuration(t, now, el.RenderedAt(), time.Millisecond)
}

func TestElement_Find(t *testing.T) {
	el := mustParse(t, `<div><img src="a.png" alt="a"/><a href="#">link</a><img src="b.png"/></div>`)

	assert.Len(t, el.FindByTag("img"), 2)
	assert.Len(t, el.FindByTag("a"), 1)
	assert.Len(t, el.FindByAttr("alt"), 1)
}

func TestElement_CloneIsDeep(t *testing.T) {
	el := mustParse(t, `<div class="a"><span>x</span></div>`)
	clone := el.Clone()

	clone.AddClass("b")
	assert.False(t, el.HasClass("b"))

	html, err := clone.OuterHTML()
	require.NoError(t, err)
	assert.Contains(t, html, `<span>x</span>`)
}

func TestContainer_InsertRemoveOrder(t *testing.T) {
	c := NewContainer()

	c.Insert("a", mustParse(t, `<div id="a"></div>`))
	c.Insert("b", mustParse(t, `<div id="b"></div>`))
	c.Insert("c", mustParse(t, `<div id="c"></div>`))
	assert.Equal(t, []string{"a", "b", "c"}, c.OrderedIDs())
	assert.Equal(t, 3, c.Len())

	// Re-insert keeps position.
	c.Insert("b", mustParse(t, `<div id="b2"></div>`))
	assert.Equal(t, []string{"a", "b", "c"}, c.OrderedIDs())

	assert.True(t, c.Remove("b"))
	assert.False(t, c.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, c.OrderedIDs())
	assert.False(t, c.Contains("b"))
}

func TestContainer_ReplaceKeepsPositionDropsListeners(t *testing.T) {
	c := NewContainer()
	c.Insert("a", mustParse(t, `<div></div>`))
	c.Insert("b", mustParse(t, `<div></div>`))
	c.AttachListener("a", "click")

	assert.True(t, c.Replace("a", mustParse(t, `<section></section>`)))
	assert.Equal(t, []string{"a", "b"}, c.OrderedIDs())
	assert.False(t, c.HasListeners("a"))

	el, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "section", el.Tag())

	assert.False(t, c.Replace("missing", mustParse(t, `<div></div>`)))
}

func TestContainer_Reorder(t *testing.T) {
	c := NewContainer()
	for _, id := range []string{"a", "b", "c", "d"} {
		c.Insert(id, mustParse(t, `<div></div>`))
	}

	// Unknown ids skipped, unmentioned ids retained at the end.
	c.Reorder([]string{"c", "ghost", "a"})
	assert.Equal(t, []string{"c", "a", "b", "d"}, c.OrderedIDs())
}

func TestContainer_Orphans(t *testing.T) {
	c := NewContainer()
	c.Insert("a", mustParse(t, `<div></div>`))
	c.Insert("b", mustParse(t, `<div></div>`))
	c.Insert("c", mustParse(t, `<div></div>`))

	assert.Equal(t, []string{"b"}, c.Orphans([]string{"a", "c"}))
	assert.Empty(t, c.Orphans([]string{"a", "b", "c"}))
}

func TestContainer_Listeners(t *testing.T) {
	c := NewContainer()
	c.Insert("a", mustParse(t, `<div></div>`))

	assert.False(t, c.HasListeners("a"))
	c.AttachListener("a", "click")
	c.AttachListener("a", "mouseover")
	assert.True(t, c.HasListeners("a"))
	assert.Equal(t, []string{"click", "mouseover"}, c.ListenerEvents("a"))

	c.DetachListeners("a")
	assert.False(t, c.HasListeners("a"))
}

func TestContainer_RemoveDropsListeners(t *testing.T) {
	c := NewContainer()
	c.Insert("a", mustParse(t, `<div></div>`))
	c.AttachListener("a", "click")

	c.Remove("a")
	assert.False(t, c.HasListeners("a"))
}

func TestContainer_Clear(t *testing.T) {
	c := NewContainer()
	c.Insert("a", mustParse(t, `<div></div>`))
	c.AttachListener("a", "click")

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.OrderedIDs())
	assert.False(t, c.HasListeners("a"))
}
