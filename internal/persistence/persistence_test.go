package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestify/mediakit/internal/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestSaveAndLoadPage(t *testing.T) {
	backend := openTestStore(t)

	st := &state.SerializedState{
		Version: "2.0",
		Components: []state.SerializedComponent{
			{ID: "hero-1", Type: "hero", Order: 0, Data: map[string]any{"title": "Hi"}},
			{ID: "text-1", Type: "text", Order: 1},
		},
	}
	require.NoError(t, backend.SavePage("page-1", st))

	loaded, err := backend.LoadPage("page-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "2.0", loaded.Version)
	require.Len(t, loaded.Components, 2)
	assert.Equal(t, "hero-1", loaded.Components[0].ID)
	assert.Equal(t, "Hi", loaded.Components[0].Data["title"])
}

func TestLoadMissingPageReturnsNil(t *testing.T) {
	backend := openTestStore(t)

	loaded, err := backend.LoadPage("nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSavePageOverwrites(t *testing.T) {
	backend := openTestStore(t)

	require.NoError(t, backend.SavePage("p", &state.SerializedState{Version: "1"}))
	require.NoError(t, backend.SavePage("p", &state.SerializedState{Version: "2"}))

	loaded, err := backend.LoadPage("p")
	require.NoError(t, err)
	assert.Equal(t, "2", loaded.Version)
}

func TestDeleteAndListPages(t *testing.T) {
	backend := openTestStore(t)

	require.NoError(t, backend.SavePage("a", &state.SerializedState{}))
	require.NoError(t, backend.SavePage("b", &state.SerializedState{}))

	ids, err := backend.Pages()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, backend.DeletePage("a"))
	require.NoError(t, backend.DeletePage("a"))

	ids, err = backend.Pages()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestSaveEmptyPageIDFails(t *testing.T) {
	backend := openTestStore(t)

	assert.Error(t, backend.SavePage("", &state.SerializedState{}))
}

func TestSaverDebouncesBursts(t *testing.T) {
	backend := openTestStore(t)
	store := state.NewStore(state.Options{})

	saver := NewSaver("page-1", store, backend, 20*time.Millisecond, nil)
	defer saver.Stop()

	store.InitComponent("hero-1", "hero", map[string]any{"title": "a"}, false)
	store.SetProperty("hero-1", "title", "b")
	store.SetProperty("hero-1", "title", "c")

	require.Eventually(t, func() bool {
		return saver.SaveCount() == 1
	}, time.Second, time.Millisecond)

	// The debounced write carries the final value.
	loaded, err := backend.LoadPage("page-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Components, 1)
	assert.Equal(t, "c", loaded.Components[0].Data["title"])
}

func TestSaverFlushWritesImmediately(t *testing.T) {
	backend := openTestStore(t)
	store := state.NewStore(state.Options{})

	saver := NewSaver("page-1", store, backend, time.Hour, nil)
	defer saver.Stop()

	store.InitComponent("hero-1", "hero", nil, false)
	require.NoError(t, saver.Flush())

	loaded, err := backend.LoadPage("page-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Len(t, loaded.Components, 1)
}

func TestSaverStopDetaches(t *testing.T) {
	backend := openTestStore(t)
	store := state.NewStore(state.Options{})

	saver := NewSaver("page-1", store, backend, time.Hour, nil)
	saver.Stop()
	before := saver.SaveCount()

	store.InitComponent("hero-1", "hero", nil, false)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, before, saver.SaveCount())
}

func TestRoundTripThroughStateStore(t *testing.T) {
	backend := openTestStore(t)

	src := state.NewStore(state.Options{})
	src.InitComponent("hero-1", "hero", map[string]any{"title": "Hi"}, false)
	src.InitComponent("stats-1", "stats", nil, false)
	require.NoError(t, backend.SavePage("p", src.GetSerializableState()))

	loaded, err := backend.LoadPage("p")
	require.NoError(t, err)

	dst := state.NewStore(state.Options{})
	require.NoError(t, dst.LoadSerializedState(loaded, state.LoadOptions{SkipNotify: true}))

	assert.Equal(t, []string{"hero-1", "stats-1"}, dst.GetLayout())
	rec := dst.GetComponent("hero-1")
	require.NotNil(t, rec)
	assert.Equal(t, "Hi", rec.Data["title"])
}
