// Package compilespec declares, validates and (de)serializes compile specifications: the
// input metadata and lowering options a differential scenario compiles a transform under.
//
// A Spec can be built programmatically, round-tripped through a flat string-keyed settings
// dict, or loaded from a JWCC (JSON-with-commas-and-comments) file. Options.BackendConfig
// renders the options as the fuser engine's configuration string, so a spec fully determines
// how the engine under test is constructed.
package compilespec

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/tailscale/hujson"

	"github.com/fusediff/fusediff/types/shapes"
	"github.com/fusediff/fusediff/types/tensors"
	"github.com/fusediff/fusediff/types/xslices"
)

// InputMeta describes one input tensor of a compiled transform: element type and dimensions.
type InputMeta struct {
	DType dtypes.DType `json:"-"`
	Dims  []int        `json:"dims"`
}

// InputMetaOf extracts the metadata of a concrete tensor.
func InputMetaOf(t *tensors.Tensor) InputMeta {
	shape := t.Shape()
	return InputMeta{DType: shape.DType, Dims: append([]int(nil), shape.Dimensions...)}
}

// Shape converts the metadata into a shape.
func (m InputMeta) Shape() shapes.Shape {
	return shapes.Make(m.DType, m.Dims...)
}

// inputMetaJSON is the wire form: the dtype travels by name ("Float32").
type inputMetaJSON struct {
	DType string `json:"dtype"`
	Dims  []int  `json:"dims"`
}

// MarshalJSON implements json.Marshaler.
func (m InputMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal(inputMetaJSON{DType: m.DType.String(), Dims: m.Dims})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *InputMeta) UnmarshalJSON(data []byte) error {
	var wire inputMetaJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, "parsing input meta")
	}
	dtype, err := dtypes.DTypeString(wire.DType)
	if err != nil {
		return errors.Wrapf(err, "parsing input meta dtype %q", wire.DType)
	}
	m.DType = dtype
	m.Dims = wire.Dims
	return nil
}

// Options are the lowering options of a compile spec.
//
// Build new values with DefaultOptions: the natural default allows fallback execution, which
// is not the zero value of AllowFallback.
type Options struct {
	// ConvertToFP16 lowers float32 compute to float16.
	ConvertToFP16 bool `json:"convertToFP16"`

	// AllowFallback lets operators that cannot be fused execute standalone instead of
	// failing compilation.
	AllowFallback bool `json:"allowFallback"`

	// MemoryBudget caps the engine's live buffer bytes. 0 means unlimited.
	MemoryBudget uint64 `json:"memoryBudget,omitempty"`

	// FusionAllowlist, when non-empty, restricts fusion to the named operators.
	FusionAllowlist []string `json:"fusionAllowlist,omitempty"`

	// FusionBlocklist excludes the named operators from fusion.
	FusionBlocklist []string `json:"fusionBlocklist,omitempty"`

	// Parallelism limits kernel worker goroutines. 0 means one per core, -1 disables
	// parallelism.
	Parallelism int `json:"parallelism,omitempty"`

	// BackendSpecificOpts are opaque key/value options passed through to the engine.
	// BackendConfig appends them verbatim, so each key must be an option the target
	// engine's config grammar accepts, or backend construction will fail.
	BackendSpecificOpts map[string]string `json:"backendSpecificOpts,omitempty"`
}

// DefaultOptions returns the default lowering options: float32 compute, fallback allowed, no
// budget, every operator eligible for fusion.
func DefaultOptions() Options {
	return Options{AllowFallback: true}
}

// Settings dict keys. Booleans parse from "True", "true" or "1" and serialize as "true" /
// "false"; BackendSpecificOpts serialize as a "k1,v1,k2,v2" CSV.
const (
	settingConvertToFP16       = "convertToFP16"
	settingAllowFallback       = "allowFallback"
	settingMemoryBudget        = "memoryBudget"
	settingFusionAllowlist     = "fusionAllowlist"
	settingFusionBlocklist     = "fusionBlocklist"
	settingParallelism         = "parallelism"
	settingBackendSpecificOpts = "backendSpecificOpts"
)

// FromSettings builds Options from a flat settings dict. Keys absent from the dict keep their
// DefaultOptions value.
func FromSettings(settings map[string]string) (Options, error) {
	opts := DefaultOptions()
	for key, value := range settings {
		var err error
		switch key {
		case settingConvertToFP16:
			opts.ConvertToFP16, err = parseBool(value)
		case settingAllowFallback:
			opts.AllowFallback, err = parseBool(value)
		case settingMemoryBudget:
			opts.MemoryBudget, err = humanize.ParseBytes(value)
		case settingFusionAllowlist:
			opts.FusionAllowlist = splitOpNames(value)
		case settingFusionBlocklist:
			opts.FusionBlocklist = splitOpNames(value)
		case settingParallelism:
			opts.Parallelism, err = strconv.Atoi(value)
		case settingBackendSpecificOpts:
			opts.BackendSpecificOpts, err = parseOptsCSV(value)
		default:
			return opts, errors.Errorf("unknown setting %q", key)
		}
		if err != nil {
			return opts, errors.Wrapf(err, "setting %s=%q", key, value)
		}
	}
	return opts, nil
}

// Settings serializes the options into the flat dict form FromSettings parses. Values equal
// to their DefaultOptions defaults are omitted, except the booleans, which are always
// present in their canonical lower-case form.
func (o Options) Settings() map[string]string {
	settings := map[string]string{
		settingConvertToFP16: strconv.FormatBool(o.ConvertToFP16),
		settingAllowFallback: strconv.FormatBool(o.AllowFallback),
	}
	if o.MemoryBudget > 0 {
		settings[settingMemoryBudget] = strconv.FormatUint(o.MemoryBudget, 10)
	}
	if len(o.FusionAllowlist) > 0 {
		settings[settingFusionAllowlist] = strings.Join(o.FusionAllowlist, "|")
	}
	if len(o.FusionBlocklist) > 0 {
		settings[settingFusionBlocklist] = strings.Join(o.FusionBlocklist, "|")
	}
	if o.Parallelism != 0 {
		settings[settingParallelism] = strconv.Itoa(o.Parallelism)
	}
	if len(o.BackendSpecificOpts) > 0 {
		settings[settingBackendSpecificOpts] = formatOptsCSV(o.BackendSpecificOpts)
	}
	return settings
}

// BackendConfig renders the options as the fuser engine's configuration string, the
// "<backend_configuration>" half of what backends.NewWithConfig takes.
// BackendSpecificOpts are appended verbatim as key=value options; keys the target
// engine's config grammar does not know make it reject the whole configuration.
func (o Options) BackendConfig() string {
	var parts []string
	if o.ConvertToFP16 {
		parts = append(parts, "fp16")
	}
	if !o.AllowFallback {
		parts = append(parts, "nofallback")
	}
	if o.MemoryBudget > 0 {
		parts = append(parts, "budget="+strconv.FormatUint(o.MemoryBudget, 10))
	}
	if len(o.FusionAllowlist) > 0 {
		parts = append(parts, "allow="+strings.Join(o.FusionAllowlist, "|"))
	}
	if len(o.FusionBlocklist) > 0 {
		parts = append(parts, "deny="+strings.Join(o.FusionBlocklist, "|"))
	}
	if o.Parallelism != 0 {
		parts = append(parts, "parallelism="+strconv.Itoa(o.Parallelism))
	}
	for _, key := range xslices.SortedKeys(o.BackendSpecificOpts) {
		parts = append(parts, key+"="+o.BackendSpecificOpts[key])
	}
	return strings.Join(parts, ",")
}

// Spec is a full compile specification: which engine, what inputs, which lowering options.
type Spec struct {
	// Backend is the registered name of the engine under test, e.g. "fuser".
	Backend string `json:"backend"`

	// Inputs of the compiled transform, in parameter order.
	Inputs []InputMeta `json:"inputs"`

	// Options controlling the lowering.
	Options Options `json:"options"`
}

// New returns a Spec for the given engine with default options.
func New(backend string) *Spec {
	return &Spec{Backend: backend, Options: DefaultOptions()}
}

// AddInput appends the metadata of one input tensor.
func (s *Spec) AddInput(meta InputMeta) *Spec {
	s.Inputs = append(s.Inputs, meta)
	return s
}

// AddInputFromTensor appends input metadata matching a concrete tensor.
func (s *Spec) AddInputFromTensor(t *tensors.Tensor) *Spec {
	return s.AddInput(InputMetaOf(t))
}

// InputShapes converts the input metadata into shapes, in parameter order.
func (s *Spec) InputShapes() []shapes.Shape {
	result := make([]shapes.Shape, len(s.Inputs))
	for ii, meta := range s.Inputs {
		result[ii] = meta.Shape()
	}
	return result
}

// BackendConfig renders the full "<backend_name>:<backend_configuration>" string for
// backends.NewWithConfig.
func (s *Spec) BackendConfig() string {
	return s.Backend + ":" + s.Options.BackendConfig()
}

// Validate checks the spec is complete and internally consistent.
func (s *Spec) Validate() error {
	if s.Backend == "" {
		return errors.New("compile spec has no backend name")
	}
	if len(s.Inputs) == 0 {
		return errors.New("compile spec has no inputs")
	}
	for ii, meta := range s.Inputs {
		if meta.DType == dtypes.InvalidDType {
			return errors.Errorf("compile spec input #%d has no dtype", ii)
		}
		for _, dim := range meta.Dims {
			if dim <= 0 {
				return errors.Errorf("compile spec input #%d has invalid dimensions %v", ii, meta.Dims)
			}
		}
	}
	if s.Options.Parallelism < -1 {
		return errors.Errorf("compile spec parallelism %d is invalid, the minimum is -1", s.Options.Parallelism)
	}
	return nil
}

// Load reads a Spec from a JWCC file: JSON with optional comments and trailing commas, as
// standardized by github.com/tailscale/hujson.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading compile spec %q", path)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, errors.Wrapf(err, "compile spec %q is not valid JWCC", path)
	}
	spec := New("")
	if err := json.Unmarshal(standardized, spec); err != nil {
		return nil, errors.Wrapf(err, "parsing compile spec %q", path)
	}
	if err := spec.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "compile spec %q", path)
	}
	return spec, nil
}

// Save writes the spec as plain JSON (a valid JWCC subset).
func (s *Spec) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing compile spec")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return errors.Wrapf(err, "writing compile spec %q", path)
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch value {
	case "True", "true", "1":
		return true, nil
	case "False", "false", "0":
		return false, nil
	}
	return false, errors.Errorf("invalid boolean %q", value)
}

func splitOpNames(value string) []string {
	var names []string
	for _, name := range strings.Split(value, "|") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// parseOptsCSV parses "k1,v1,k2,v2" into a map, the serialization inherited from the settings
// dict format.
func parseOptsCSV(value string) (map[string]string, error) {
	if value == "" {
		return nil, nil
	}
	fields := strings.Split(value, ",")
	if len(fields)%2 != 0 {
		return nil, errors.Errorf("backend-specific options %q must be key,value pairs", value)
	}
	opts := make(map[string]string, len(fields)/2)
	for ii := 0; ii < len(fields); ii += 2 {
		opts[fields[ii]] = fields[ii+1]
	}
	return opts, nil
}

func formatOptsCSV(opts map[string]string) string {
	fields := make([]string, 0, 2*len(opts))
	for _, key := range xslices.SortedKeys(opts) {
		fields = append(fields, key, opts[key])
	}
	return strings.Join(fields, ",")
}
