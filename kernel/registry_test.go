package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/table"
)

func writeSpec(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func upperSpec(t *testing.T) string {
	exe, err := os.Executable()
	require.NoError(t, err)
	return fmt.Sprintf(`id_name: upper
name: Uppercase
kind: process
command: [%q]
env:
  %s: upper
fetches: true
timeout: 30s
parameters:
  - id_name: column
    type: column
`, exe, childEnv)
}

func TestRegistry_LoadProcessModule(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "text/upper.yaml", upperSpec(t))
	r := NewRegistry(newKernel(t), dir)
	ctx := context.Background()

	m, err := r.Load(ctx, "upper")
	require.NoError(t, err)
	assert.Equal(t, KindProcess, m.Spec().Kind)
	assert.Equal(t, "Uppercase", m.Spec().Name)
	assert.Equal(t, "30s", m.Spec().Timeout.String())
	require.Len(t, m.Spec().Schema.Properties, 1)
	assert.Equal(t, filepath.Join(dir, "text", "upper.yaml"), m.Spec().Path)

	again, err := r.Load(ctx, "upper")
	require.NoError(t, err)
	assert.Same(t, m, again)

	slugs, err := r.Slugs()
	require.NoError(t, err)
	assert.Equal(t, []string{"upper"}, slugs)
}

func TestRegistry_ReloadsWhenSpecChanges(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "upper.yml", upperSpec(t))
	r := NewRegistry(newKernel(t), dir)
	ctx := context.Background()

	first, err := r.Load(ctx, "upper")
	require.NoError(t, err)

	writeSpec(t, dir, "upper.yml", upperSpec(t)+"# edited\n")
	second, err := r.Load(ctx, "upper")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	r.Evict("upper")
	third, err := r.Load(ctx, "upper")
	require.NoError(t, err)
	assert.NotSame(t, second, third)
}

func TestRegistry_ConcurrentLoadsShareOneModule(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "upper.yaml", upperSpec(t))
	r := NewRegistry(newKernel(t), dir)

	const n = 8
	mods := make([]Module, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.Load(context.Background(), "upper")
			assert.NoError(t, err)
			mods[i] = m
		}(i)
	}
	wg.Wait()
	for _, m := range mods[1:] {
		assert.Same(t, mods[0], m)
	}
}

func TestRegistry_Compiled(t *testing.T) {
	dir := t.TempDir()
	k := newKernel(t)
	r := NewRegistry(k, dir)
	ctx := context.Background()

	require.NoError(t, r.RegisterBuiltin(Spec{ID: "upper-builtin"}, upperImpl))
	require.NoError(t, r.RegisterLegacy(Spec{ID: "passthrough"}, func(in *table.Table, _ params.Value) (*table.Table, error) {
		return in, nil
	}))

	m, err := r.Load(ctx, "upper-builtin")
	require.NoError(t, err)
	assert.Equal(t, KindBuiltin, m.Spec().Kind)
	res, err := k.Render(ctx, m, RenderRequest{Input: testInput()})
	require.NoError(t, err)
	assert.Equal(t, []string{"ADA", "GRACE"}, res.Table.Array("name").Strings)

	m, err = r.Load(ctx, "passthrough")
	require.NoError(t, err)
	assert.Equal(t, KindLegacy, m.Spec().Kind)

	// A spec file may describe compiled code, overriding its declaration.
	writeSpec(t, dir, "upper-builtin.yaml", "id_name: upper-builtin\nname: Shout\nkind: builtin\nparameters: []\n")
	m, err = r.Load(ctx, "upper-builtin")
	require.NoError(t, err)
	assert.Equal(t, "Shout", m.Spec().Name)
}

func TestRegistry_Errors(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "orphan.yaml", "id_name: orphan\nkind: builtin\nparameters: []\n")
	writeSpec(t, dir, "renamed.yaml", "id_name: something-else\nkind: process\ncommand: [/bin/true]\n")
	writeSpec(t, dir, "badparams.yaml", "id_name: badparams\nkind: process\ncommand: [/bin/true]\nparameters:\n  - id_name: x\n    type: spreadsheet\n")
	writeSpec(t, dir, "nocommand.yaml", "id_name: nocommand\nkind: process\n")
	writeSpec(t, dir, "badyaml.yaml", "id_name: [badyaml\n")
	r := NewRegistry(newKernel(t), dir)
	ctx := context.Background()

	_, err := r.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	for _, slug := range []string{"orphan", "renamed", "badparams", "nocommand", "badyaml"} {
		t.Run(slug, func(t *testing.T) {
			_, err := r.Load(ctx, slug)
			var se *StructuralError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestRegistry_UnreadableSpecIsInfrastructure(t *testing.T) {
	dir := t.TempDir()
	// A directory matching the module spec pattern cannot be read as a file.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "broken.yaml"), 0o755))
	r := NewRegistry(newKernel(t), dir)

	_, err := r.Load(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, IsInfrastructure(err), "err = %v", err)
	assert.NotErrorIs(t, err, ErrModuleNotFound)
}
