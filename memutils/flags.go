package memutils

import (
	"sort"
	"strconv"
	"strings"
)

// FlagStringMapping turns bitmask flag types into readable strings. Flag types register each
// single-bit value with a name in an init func and implement String by calling FlagsToString.
type FlagStringMapping[T ~int32] struct {
	names map[T]string
}

func NewFlagStringMapping[T ~int32]() *FlagStringMapping[T] {
	return &FlagStringMapping[T]{names: make(map[T]string)}
}

func (m *FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

// FlagsToString joins the names of every set bit with '|'. Unregistered bits are printed in hex.
func (m *FlagStringMapping[T]) FlagsToString(flags T) string {
	if flags == 0 {
		return "None"
	}

	var parts []string
	for bit := 0; bit < 32; bit++ {
		flag := T(1) << bit
		if flags&flag == 0 {
			continue
		}

		name, ok := m.names[flag]
		if !ok {
			name = "0x" + strconv.FormatUint(uint64(uint32(flag)), 16)
		}
		parts = append(parts, name)
	}

	sort.Strings(parts)
	return strings.Join(parts, "|")
}
