package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	return store
}

func TestSave_ShortUniqueNameKeepsExtension(t *testing.T) {
	store := newTestStore(t)

	name1, path1, err := store.Save([]byte("one"), "ComfyUI_00001_.png")
	require.NoError(t, err)
	name2, _, err := store.Save([]byte("two"), "ComfyUI_00001_.png")
	require.NoError(t, err)

	assert.NotEqual(t, name1, name2, "same original filename must not collide")
	assert.True(t, strings.HasSuffix(name1, ".png"))
	assert.Len(t, strings.TrimSuffix(name1, ".png"), 8)
	assert.Equal(t, filepath.Join(store.Dir(), name1), path1)

	data, err := store.Serve(name1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
}

func TestSave_RerollsOnNameCollision(t *testing.T) {
	store := newTestStore(t)

	names := []string{"deadbeef", "deadbeef", "cafe0123"}
	store.newName = func() string {
		name := names[0]
		names = names[1:]
		return name
	}

	name1, _, err := store.Save([]byte("first"), "a.png")
	require.NoError(t, err)
	require.Equal(t, "deadbeef.png", name1)

	// The second save draws the same name; it must re-roll rather than
	// replace the first file.
	name2, _, err := store.Save([]byte("second"), "b.png")
	require.NoError(t, err)
	assert.Equal(t, "cafe0123.png", name2)

	data, err := store.Serve(name1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestSave_GivesUpWhenNoNameIsFree(t *testing.T) {
	store := newTestStore(t)
	store.newName = func() string { return "deadbeef" }

	_, _, err := store.Save([]byte("first"), "a.png")
	require.NoError(t, err)

	_, _, err = store.Save([]byte("second"), "b.png")
	assert.Error(t, err)
}

func TestServe_UnknownFile(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Serve("missing.png")
	assert.Error(t, err)
}

func TestResolve_RejectsPathEscape(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Serve("../outside.png")
	assert.Error(t, err)
	_, err = store.Path("sub/inside.png")
	assert.Error(t, err)
	_, err = store.Serve("")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	name, _, err := store.Save([]byte("x"), "a.png")
	require.NoError(t, err)

	removed, err := store.Delete(name)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Delete(name)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSweep_RemovesOldUnreferencedOnly(t *testing.T) {
	store := newTestStore(t)

	oldKept, _, err := store.Save([]byte("kept"), "kept.png")
	require.NoError(t, err)
	oldGone, _, err := store.Save([]byte("gone"), "gone.png")
	require.NoError(t, err)
	fresh, _, err := store.Save([]byte("fresh"), "fresh.png")
	require.NoError(t, err)

	// Age two of the files past the cutoff
	past := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{oldKept, oldGone} {
		require.NoError(t, os.Chtimes(filepath.Join(store.Dir(), name), past, past))
	}

	removed, err := store.Sweep(time.Hour, map[string]bool{oldKept: true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Serve(oldKept)
	assert.NoError(t, err, "referenced file survives the sweep")
	_, err = store.Serve(fresh)
	assert.NoError(t, err, "recent file survives the sweep")
	_, err = store.Serve(oldGone)
	assert.Error(t, err)
}

func TestSweep_SkipsTempFiles(t *testing.T) {
	store := newTestStore(t)
	tmpPath := filepath.Join(store.Dir(), ".tmp-partial")
	require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(tmpPath, past, past))

	removed, err := store.Sweep(time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
