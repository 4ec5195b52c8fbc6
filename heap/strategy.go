package heap

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/rawalloc/memutils"
)

// Strategy selects how the allocator looks for an existing free chunk before it grows the region
type Strategy uint32

const (
	// StrategyFirstFit walks the chunk chain from the lowest address and takes the first free chunk
	// that is large enough. It keeps the low end of the heap packed at the cost of rescanning it.
	StrategyFirstFit Strategy = iota
	// StrategyNextFit starts walking from the chunk after the one most recently handed out and wraps
	// around at the end of the chain, spreading allocations across the heap.
	StrategyNextFit
	// StrategyFreeList only visits free chunks, which are kept on an explicit list with the most
	// recently freed chunk first.
	StrategyFreeList

	strategyCount
)

var strategyNames = [strategyCount]string{
	StrategyFirstFit: "first_fit",
	StrategyNextFit:  "next_fit",
	StrategyFreeList: "free_list",
}

func (s Strategy) IsValid() bool {
	return s < strategyCount
}

func (s Strategy) String() string {
	if !s.IsValid() {
		return "unknown"
	}
	return strategyNames[s]
}

// ParseStrategy maps a strategy name such as "next_fit" back to its Strategy. Matching ignores case
// and treats '-' the same as '_'.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for s, strategyName := range strategyNames {
		if strategyName == normalized {
			return Strategy(s), nil
		}
	}

	return 0, errors.Wrapf(memutils.ErrUnknownStrategy, "%q", name)
}
