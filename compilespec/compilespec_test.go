package compilespec_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusediff/fusediff/backends"
	"github.com/fusediff/fusediff/compilespec"
	"github.com/fusediff/fusediff/types/shapes"
	"github.com/fusediff/fusediff/types/tensors"

	_ "github.com/fusediff/fusediff/backends/default"
)

func TestInputMetaOf(t *testing.T) {
	tensor := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	meta := compilespec.InputMetaOf(tensor)
	assert.Equal(t, dtypes.Float32, meta.DType)
	assert.Equal(t, []int{2, 3}, meta.Dims)
	assert.True(t, meta.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
}

func TestSettingsRoundTrip(t *testing.T) {
	for _, opts := range []compilespec.Options{
		compilespec.DefaultOptions(),
		{
			ConvertToFP16: true,
			AllowFallback: false,
			MemoryBudget:  512 * 1024 * 1024,
			Parallelism:   4,
		},
		{
			AllowFallback:   true,
			FusionAllowlist: []string{"add", "sigmoid"},
			FusionBlocklist: []string{"tanh"},
			BackendSpecificOpts: map[string]string{
				"k1": "v1", "k2": "v2", "k3": "v3",
			},
		},
	} {
		parsed, err := compilespec.FromSettings(opts.Settings())
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(opts, parsed))
	}
}

func TestFromSettings(t *testing.T) {
	// "True" parses but serializes back in lower case.
	opts, err := compilespec.FromSettings(map[string]string{
		"convertToFP16":       "True",
		"backendSpecificOpts": "k1,v1,k2,v2,k3,v3",
	})
	require.NoError(t, err)
	assert.True(t, opts.ConvertToFP16)
	assert.True(t, opts.AllowFallback, "unset keys keep their defaults")
	assert.Len(t, opts.BackendSpecificOpts, 3)
	assert.Equal(t, "v2", opts.BackendSpecificOpts["k2"])
	assert.Equal(t, "true", opts.Settings()["convertToFP16"])

	// "1" is the third accepted true form; budgets accept humanized byte sizes.
	opts, err = compilespec.FromSettings(map[string]string{
		"convertToFP16": "1",
		"memoryBudget":  "1MiB",
	})
	require.NoError(t, err)
	assert.True(t, opts.ConvertToFP16)
	assert.Equal(t, uint64(1024*1024), opts.MemoryBudget)

	for name, settings := range map[string]map[string]string{
		"unknown key":     {"fuseDepth": "3"},
		"bad boolean":     {"convertToFP16": "yes"},
		"bad budget":      {"memoryBudget": "lots"},
		"odd opts csv":    {"backendSpecificOpts": "k1,v1,k2"},
		"bad parallelism": {"parallelism": "many"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := compilespec.FromSettings(settings)
			require.Error(t, err)
		})
	}
}

func TestBackendConfig(t *testing.T) {
	opts := compilespec.Options{
		ConvertToFP16:   true,
		AllowFallback:   false,
		MemoryBudget:    1024,
		FusionAllowlist: []string{"add", "sigmoid"},
		Parallelism:     2,
	}
	assert.Equal(t, "fp16,nofallback,budget=1024,allow=add|sigmoid,parallelism=2",
		opts.BackendConfig())
	assert.Equal(t, "", compilespec.DefaultOptions().BackendConfig())

	// The rendered config string must construct a real engine.
	spec := compilespec.New("fuser")
	spec.Options.ConvertToFP16 = true
	spec.Options.MemoryBudget = 1024 * 1024
	b := backends.NewWithConfig(spec.BackendConfig())
	defer b.Finalize()
	assert.Equal(t, "fuser", b.Name())

	// Backend-specific options travel verbatim: keys outside the engine's config
	// grammar make backend construction fail.
	spec.Options.BackendSpecificOpts = map[string]string{"warpDrive": "on"}
	assert.Equal(t, "fuser:fp16,budget=1048576,warpDrive=on", spec.BackendConfig())
	require.Panics(t, func() { backends.NewWithConfig(spec.BackendConfig()) })
}

func TestValidate(t *testing.T) {
	spec := compilespec.New("fuser").AddInput(compilespec.InputMeta{
		DType: dtypes.Float32, Dims: []int{2, 3},
	})
	require.NoError(t, spec.Validate())

	assert.Error(t, compilespec.New("").Validate())
	assert.Error(t, compilespec.New("fuser").Validate(), "no inputs")
	assert.Error(t, compilespec.New("fuser").
		AddInput(compilespec.InputMeta{Dims: []int{2}}).Validate(), "missing dtype")
	assert.Error(t, compilespec.New("fuser").
		AddInput(compilespec.InputMeta{DType: dtypes.Float32, Dims: []int{0}}).Validate(),
		"zero dimension")

	spec.Options.Parallelism = -2
	assert.Error(t, spec.Validate())
}

func TestLoadJWCC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.jwcc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // Engine under test.
  "backend": "fuser",
  "inputs": [
    {"dtype": "Float32", "dims": [2, 3]},
    {"dtype": "Float16", "dims": [6]}, // trailing comma below is fine
  ],
  "options": {
    "convertToFP16": true,
    "allowFallback": true,
    "memoryBudget": 1048576,
  },
}`), 0644))

	spec, err := compilespec.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fuser", spec.Backend)
	require.Len(t, spec.Inputs, 2)
	assert.True(t, spec.InputShapes()[0].Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.True(t, spec.InputShapes()[1].Equal(shapes.Make(dtypes.Float16, 6)))
	assert.True(t, spec.Options.ConvertToFP16)
	assert.Equal(t, uint64(1<<20), spec.Options.MemoryBudget)
	assert.Equal(t, "fuser:fp16,budget=1048576", spec.BackendConfig())

	_, err = compilespec.Load(filepath.Join(t.TempDir(), "missing.jwcc"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.jwcc")
	require.NoError(t, os.WriteFile(bad, []byte(`{"backend": }`), 0644))
	_, err = compilespec.Load(bad)
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	spec := compilespec.New("fuser").
		AddInputFromTensor(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3))
	spec.Options.FusionBlocklist = []string{"tanh"}
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, spec.Save(path))

	loaded, err := compilespec.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(spec, loaded))
}
