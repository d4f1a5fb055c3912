package replicant

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDeclareIdempotent(t *testing.T) {
	ctx := context.Background()
	replicator := NewReplicatorWithDefaults(ctx, nil, NewFileStoreProvider(t.TempDir()))

	a, err := replicator.Declare("r", "x", &Options{
		DefaultValue: map[string]any{"n": float64(1)},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, a.Assign(map[string]any{"n": float64(2)}))
	assert.Equal(t, int64(1), a.Revision())

	// the second declaration returns the same handle and does not reset
	// value or revision
	b, err := replicator.Declare("r", "x", &Options{
		DefaultValue: map[string]any{"n": float64(99)},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, a == b)
	assert.Equal(t, int64(1), b.Revision())
	assert.Equal(t, map[string]any{"n": float64(2)}, b.Value())
}

func TestDeclareDefaultValue(t *testing.T) {
	ctx := context.Background()
	replicator := NewReplicatorWithDefaults(ctx, nil, NewFileStoreProvider(t.TempDir()))

	rep, err := replicator.Declare("r", "x", &Options{
		DefaultValue: map[string]any{"a": map[string]any{"b": float64(1)}},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{"a": map[string]any{"b": float64(1)}}, rep.Value())
	assert.Equal(t, int64(0), rep.Revision())
}

func TestDeclareInvalidDefaultRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "r.json"), `{"type": "number"}`)

	ctx := context.Background()
	settings := DefaultReplicatorSettings()
	settings.SchemaPath = func(namespace string, name string) string {
		return filepath.Join(dir, name+".json")
	}
	replicator := NewReplicator(ctx, nil, NewFileStoreProvider(t.TempDir()), settings)

	_, err := replicator.Declare("r", "x", &Options{
		DefaultValue: "not a number",
	})
	assert.NotEqual(t, nil, err)

	// the rejected declaration did not register the replicant
	assert.Equal(t, nil, replicator.Replicant("r", "x"))
}

func TestDeclareSchemaDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "r.json"), `{
		"type": "object",
		"properties": {
			"n": {"type": "number", "default": 4}
		}
	}`)

	ctx := context.Background()
	settings := DefaultReplicatorSettings()
	settings.SchemaPath = func(namespace string, name string) string {
		return filepath.Join(dir, name+".json")
	}
	replicator := NewReplicator(ctx, nil, NewFileStoreProvider(t.TempDir()), settings)

	rep, err := replicator.Declare("r", "x", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{"n": float64(4)}, rep.Value())
	assert.NotEqual(t, "", rep.SchemaSum())
}

func TestDeclareSchemaLoadFailureNotFatal(t *testing.T) {
	ctx := context.Background()
	settings := DefaultReplicatorSettings()
	settings.SchemaPath = func(namespace string, name string) string {
		return filepath.Join(t.TempDir(), "missing.json")
	}
	replicator := NewReplicator(ctx, nil, NewFileStoreProvider(t.TempDir()), settings)

	// the replicant runs without validation and without a schemaSum
	rep, err := replicator.Declare("r", "x", &Options{
		DefaultValue: "anything",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "", rep.SchemaSum())
	assert.Equal(t, nil, rep.Assign(float64(1)))
}

func TestPersistenceRoundTrip(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	value := map[string]any{
		"scores": []any{float64(10), float64(20)},
	}

	{
		replicator := NewReplicatorWithDefaults(ctx, nil, NewFileStoreProvider(root))
		rep, err := replicator.Declare("r", "x", nil)
		assert.Equal(t, nil, err)
		assert.Equal(t, nil, rep.Assign(value))
		replicator.SaveAllReplicants()
	}

	// a fresh process restores the persisted value
	replicator := NewReplicatorWithDefaults(ctx, nil, NewFileStoreProvider(root))
	rep, err := replicator.Declare("r", "x", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, value, rep.Value())
	assert.Equal(t, int64(0), rep.Revision())
}

func TestPersistedUndefined(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	{
		replicator := NewReplicatorWithDefaults(ctx, nil, NewFileStoreProvider(root))
		_, err := replicator.Declare("r", "x", nil)
		assert.Equal(t, nil, err)
		replicator.SaveAllReplicants()
	}

	// an undefined snapshot does not shadow the declared default
	replicator := NewReplicatorWithDefaults(ctx, nil, NewFileStoreProvider(root))
	rep, err := replicator.Declare("r", "x", &Options{
		DefaultValue: map[string]any{"seeded": true},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{"seeded": true}, rep.Value())
}

func TestSchemaUpgradeDiscardsPersisted(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	{
		replicator := NewReplicatorWithDefaults(ctx, nil, NewFileStoreProvider(root))
		rep, err := replicator.Declare("r", "x", nil)
		assert.Equal(t, nil, err)
		assert.Equal(t, nil, rep.Assign(map[string]any{"x": float64(1)}))
		replicator.SaveAllReplicants()
	}

	// a new schema requires y, so the persisted value no longer
	// validates and the replicant restarts from schema defaults
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "r.json"), `{
		"type": "object",
		"properties": {
			"x": {"type": "number", "default": 0},
			"y": {"type": "string", "default": ""}
		},
		"required": ["x", "y"]
	}`)
	settings := DefaultReplicatorSettings()
	settings.SchemaPath = func(namespace string, name string) string {
		return filepath.Join(dir, name+".json")
	}
	replicator := NewReplicator(ctx, nil, NewFileStoreProvider(root), settings)
	rep, err := replicator.Declare("r", "x", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]any{"x": float64(0), "y": ""}, rep.Value())
	assert.Equal(t, int64(0), rep.Revision())
}

func TestSaveAllReplicants(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	provider := NewFileStoreProvider(root)
	replicator := NewReplicatorWithDefaults(ctx, nil, provider)

	for _, name := range []string{"a", "b", "c"} {
		rep, err := replicator.Declare(name, "x", nil)
		assert.Equal(t, nil, err)
		assert.Equal(t, nil, rep.Assign(name))
	}
	replicator.SaveAllReplicants()

	store, err := provider.Namespace("x")
	assert.Equal(t, nil, err)
	keys, err := store.Keys()
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"a.rep", "b.rep", "c.rep"}, keys)

	value, ok, err := store.GetItem("b.rep")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, `"b"`, value)
}
