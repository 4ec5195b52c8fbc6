// Package workload drives the heap and pool allocators with a reproducible stream of random
// allocations and frees, and reports what the allocators looked like afterwards.
package workload

import (
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/heap"
	"github.com/vkngwrapper/rawalloc/memutils"
)

// RegionKind selects the brk.Region implementation a heap workload runs on
type RegionKind string

const (
	RegionReserved RegionKind = "reserved"
	RegionMapped   RegionKind = "mapped"
)

// Config is the TOML workload description
type Config struct {
	Run  RunConfig  `toml:"run"`
	Heap HeapConfig `toml:"heap"`
	Pool PoolConfig `toml:"pool"`
}

type RunConfig struct {
	// Seed makes a run reproducible
	Seed int64 `toml:"seed"`
	// Operations is the number of allocate or free steps per allocator
	Operations int `toml:"operations"`
	// FreeRatio is the chance that a step frees a live allocation rather than allocating
	FreeRatio float64 `toml:"free_ratio"`
}

type HeapConfig struct {
	Enabled           bool       `toml:"enabled"`
	Strategy          string     `toml:"strategy"`
	Region            RegionKind `toml:"region"`
	Capacity          int        `toml:"capacity"`
	Alignment         uint       `toml:"alignment"`
	MinAllocationSize int        `toml:"min_allocation_size"`
	SplitMinBytes     int        `toml:"split_min_bytes"`
	MinSize           int        `toml:"min_size"`
	MaxSize           int        `toml:"max_size"`
	ValidatePointers  bool       `toml:"validate_pointers"`
}

type PoolConfig struct {
	Enabled          bool `toml:"enabled"`
	SlotSize         int  `toml:"slot_size"`
	ChunksPerBlock   int  `toml:"chunks_per_block"`
	MaxBlocks        int  `toml:"max_blocks"`
	ValidatePointers bool `toml:"validate_pointers"`
}

// DefaultConfig is the workload used when no file is given, and the base that files override
func DefaultConfig() Config {
	return Config{
		Run: RunConfig{
			Seed:       1,
			Operations: 10000,
			FreeRatio:  0.45,
		},
		Heap: HeapConfig{
			Enabled:  true,
			Strategy: heap.StrategyFirstFit.String(),
			Region:   RegionReserved,
			Capacity: 64 << 20,
			MinSize:  1,
			MaxSize:  512,
		},
		Pool: PoolConfig{
			Enabled:        true,
			SlotSize:       64,
			ChunksPerBlock: 0,
		},
	}
}

// Decode reads a TOML workload from r on top of DefaultConfig. Unknown keys are an error.
func Decode(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to decode workload")
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return Config{}, errors.Newf("unknown workload keys: %s", strings.Join(keys, ", "))
	}

	return cfg, cfg.Validate()
}

// Load reads a TOML workload file
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to load workload %s", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Newf("unknown key %q in workload %s", undecoded[0].String(), path)
	}

	return cfg, cfg.Validate()
}

// Encode writes cfg as TOML
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func (c Config) Validate() error {
	if c.Run.Operations < 0 {
		return errors.Wrapf(memutils.ErrInvalidSize, "run.operations is %d", c.Run.Operations)
	}
	if c.Run.FreeRatio < 0 || c.Run.FreeRatio > 1 {
		return errors.Newf("run.free_ratio must be between 0 and 1, got %v", c.Run.FreeRatio)
	}

	if c.Heap.Enabled {
		_, err := heap.ParseStrategy(c.Heap.Strategy)
		if err != nil {
			return errors.Wrap(err, "heap.strategy")
		}
		if c.Heap.Region != RegionReserved && c.Heap.Region != RegionMapped {
			return errors.Newf("heap.region must be %q or %q, got %q", RegionReserved, RegionMapped, c.Heap.Region)
		}
		if c.Heap.Capacity <= 0 {
			return errors.Wrapf(memutils.ErrInvalidSize, "heap.capacity is %d", c.Heap.Capacity)
		}
		if c.Heap.MinSize < 1 || c.Heap.MaxSize < c.Heap.MinSize {
			return errors.Wrapf(memutils.ErrInvalidSize, "heap sizes must satisfy 1 <= min_size <= max_size, got %d and %d", c.Heap.MinSize, c.Heap.MaxSize)
		}
	}

	if c.Pool.Enabled && c.Pool.SlotSize <= 0 {
		return errors.Wrapf(memutils.ErrInvalidSize, "pool.slot_size is %d", c.Pool.SlotSize)
	}

	return nil
}
