package evo

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// Operator mutates one location of a configuration in place.
type Operator interface {
	Name() string
	Path() Path
	Apply(rng *rand.Rand, config map[string]any) error
}

// Path addresses a value inside a configuration. Elements are mapping keys
// (string) or list indices (int).
type Path []any

func (p Path) Append(elem any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, elem)
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, elem := range p {
		switch e := elem.(type) {
		case int:
			parts[i] = strconv.Itoa(e)
		default:
			parts[i] = fmt.Sprint(e)
		}
	}
	return strings.Join(parts, ".")
}

// Describe renders an operator as name@path for logs and lineage.
func Describe(op Operator) string {
	if op == nil {
		return ""
	}
	if len(op.Path()) == 0 {
		return op.Name()
	}
	return op.Name() + "@" + op.Path().String()
}
