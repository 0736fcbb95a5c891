package fuser

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/fusediff/fusediff/types"
)

// Config controls how the fuser engine lowers and executes computations.
//
// The zero value enables fusion of every eligible operator, with float32 compute, no memory
// budget and the default parallelism.
type Config struct {
	// FP16 rewrites the graph before lowering so that all float32 compute happens in
	// float16: converts are inserted after float32 parameters and constants, and before
	// float32 outputs.
	FP16 bool

	// NoFallback makes compilation fail when any operator cannot be lowered into a fused
	// segment, instead of executing it as a standalone fallback.
	NoFallback bool

	// Budget is the maximum number of bytes of live buffers the engine may hold at once.
	// 0 means unlimited.
	Budget uint64

	// Allow, when non-empty, restricts lowering to the named operators; everything else
	// falls back. Names match the operator name ("sigmoid", "add"); in-place variants share
	// their base operator's name.
	Allow types.Set[string]

	// Deny excludes the named operators from lowering. It is applied after Allow.
	Deny types.Set[string]

	// Parallelism limits the worker goroutines used by kernels. 0 means one per core,
	// -1 disables parallelism.
	Parallelism int
}

// ParseConfig parses a fuser configuration string: comma-separated options, each either a flag
// ("fp16", "nofallback") or a key=value pair ("budget=512MB", "allow=sigmoid|add",
// "deny=tanh", "parallelism=4"). The empty string yields the default Config.
func ParseConfig(config string) (Config, error) {
	var cfg Config
	if config == "" {
		return cfg, nil
	}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, hasValue := strings.Cut(option, "=")
		switch key {
		case "fp16":
			if hasValue {
				return cfg, errors.Errorf("fuser config option %q takes no value", key)
			}
			cfg.FP16 = true
		case "nofallback":
			if hasValue {
				return cfg, errors.Errorf("fuser config option %q takes no value", key)
			}
			cfg.NoFallback = true
		case "budget":
			if !hasValue {
				return cfg, errors.Errorf("fuser config option %q requires a value, e.g. budget=512MB", key)
			}
			budget, err := humanize.ParseBytes(value)
			if err != nil {
				return cfg, errors.Wrapf(err, "fuser config option budget=%q", value)
			}
			cfg.Budget = budget
		case "allow":
			if !hasValue {
				return cfg, errors.Errorf("fuser config option %q requires a value, e.g. allow=sigmoid|add", key)
			}
			cfg.Allow = parseOpNames(value)
		case "deny":
			if !hasValue {
				return cfg, errors.Errorf("fuser config option %q requires a value, e.g. deny=tanh", key)
			}
			cfg.Deny = parseOpNames(value)
		case "parallelism":
			if !hasValue {
				return cfg, errors.Errorf("fuser config option %q requires a value, e.g. parallelism=4", key)
			}
			parallelism, err := strconv.Atoi(value)
			if err != nil {
				return cfg, errors.Wrapf(err, "fuser config option parallelism=%q", value)
			}
			cfg.Parallelism = parallelism
		default:
			return cfg, errors.Errorf("unknown fuser config option %q -- valid options are "+
				"fp16, nofallback, budget=<bytes>, allow=<op|op|...>, deny=<op|op|...> and parallelism=<n>", key)
		}
	}
	return cfg, nil
}

func parseOpNames(value string) types.Set[string] {
	set := types.MakeSet[string]()
	for _, name := range strings.Split(value, "|") {
		name = strings.TrimSpace(name)
		if name != "" {
			set.Insert(name)
		}
	}
	return set
}

// String reassembles the canonical configuration string that ParseConfig would parse back into
// this Config.
func (c Config) String() string {
	var parts []string
	if c.FP16 {
		parts = append(parts, "fp16")
	}
	if c.NoFallback {
		parts = append(parts, "nofallback")
	}
	if c.Budget > 0 {
		parts = append(parts, "budget="+strconv.FormatUint(c.Budget, 10))
	}
	if len(c.Allow) > 0 {
		parts = append(parts, "allow="+strings.Join(types.SortedKeys(c.Allow), "|"))
	}
	if len(c.Deny) > 0 {
		parts = append(parts, "deny="+strings.Join(types.SortedKeys(c.Deny), "|"))
	}
	if c.Parallelism != 0 {
		parts = append(parts, "parallelism="+strconv.Itoa(c.Parallelism))
	}
	return strings.Join(parts, ",")
}

// lowers reports whether operators with the given name are eligible for lowering under this
// configuration. In-place variants are matched by their base operator name.
func (c Config) lowers(opName string) bool {
	if len(c.Allow) > 0 && !c.Allow.Has(opName) {
		return false
	}
	return !c.Deny.Has(opName)
}
