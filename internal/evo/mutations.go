package evo

import (
	"errors"
	"fmt"
	"math/rand"
)

var (
	ErrNoMutationChoice = errors.New("no mutation choice available")
	ErrInvalidPath      = errors.New("invalid configuration path")
)

// ResampleInterval replaces a value with a fresh draw from its interval.
type ResampleInterval struct {
	Target   Path
	Interval *Interval
}

func (o ResampleInterval) Name() string {
	return "resample_interval"
}

func (o ResampleInterval) Path() Path {
	return o.Target
}

func (o ResampleInterval) Apply(rng *rand.Rand, config map[string]any) error {
	return setPath(config, o.Target, o.Interval.Random(rng))
}

// ResampleChoice replaces a value with a fresh draw from its choice.
type ResampleChoice struct {
	Target Path
	Choice *Choice
}

func (o ResampleChoice) Name() string {
	return "resample_choice"
}

func (o ResampleChoice) Path() Path {
	return o.Target
}

func (o ResampleChoice) Apply(rng *rand.Rand, config map[string]any) error {
	return setPath(config, o.Target, o.Choice.Random(rng))
}

// AddMember inserts a random member at a random position of a choice list.
type AddMember struct {
	Target Path
	List   *ChoiceList
}

func (o AddMember) Name() string {
	return "add_member"
}

func (o AddMember) Path() Path {
	return o.Target
}

func (o AddMember) Apply(rng *rand.Rand, config map[string]any) error {
	members, err := listAt(config, o.Target)
	if err != nil {
		return err
	}
	if len(members) >= o.List.Max {
		return fmt.Errorf("%w: list %s already holds %d members", ErrNoMutationChoice, o.Target, len(members))
	}
	pos := rng.Intn(len(members) + 1)
	out := make([]any, 0, len(members)+1)
	out = append(out, members[:pos]...)
	out = append(out, o.List.randomMember(rng))
	out = append(out, members[pos:]...)
	return setPath(config, o.Target, out)
}

// DropMember removes a random member of a choice list.
type DropMember struct {
	Target Path
}

func (o DropMember) Name() string {
	return "drop_member"
}

func (o DropMember) Path() Path {
	return o.Target
}

func (o DropMember) Apply(rng *rand.Rand, config map[string]any) error {
	members, err := listAt(config, o.Target)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return fmt.Errorf("%w: list %s is empty", ErrNoMutationChoice, o.Target)
	}
	pos := rng.Intn(len(members))
	out := make([]any, 0, len(members)-1)
	out = append(out, members[:pos]...)
	out = append(out, members[pos+1:]...)
	return setPath(config, o.Target, out)
}

func listAt(config map[string]any, path Path) ([]any, error) {
	v, err := getPath(config, path)
	if err != nil {
		return nil, err
	}
	members, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, not a list", ErrInvalidPath, path, v)
	}
	return members, nil
}

func getPath(config map[string]any, path Path) (any, error) {
	var cur any = config
	for i, elem := range path {
		next, err := child(cur, elem)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPath, path[:i+1], err)
		}
		cur = next
	}
	return cur, nil
}

// setPath replaces the value at path. The empty path cannot be replaced.
func setPath(config map[string]any, path Path, v any) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parent, err := getPath(config, path[:len(path)-1])
	if err != nil {
		return err
	}
	switch c := parent.(type) {
	case map[string]any:
		key, ok := path[len(path)-1].(string)
		if !ok {
			return fmt.Errorf("%w: %s: mapping key must be a string", ErrInvalidPath, path)
		}
		c[key] = v
	case []any:
		idx, ok := path[len(path)-1].(int)
		if !ok || idx < 0 || idx >= len(c) {
			return fmt.Errorf("%w: %s: index out of range", ErrInvalidPath, path)
		}
		c[idx] = v
	default:
		return fmt.Errorf("%w: %s: parent is %T", ErrInvalidPath, path, parent)
	}
	return nil
}

func child(container, elem any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		key, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("mapping key %v is not a string", elem)
		}
		v, ok := c[key]
		if !ok {
			return nil, fmt.Errorf("missing key %q", key)
		}
		return v, nil
	case []any:
		idx, ok := elem.(int)
		if !ok || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("index %v out of range", elem)
		}
		return c[idx], nil
	default:
		return nil, fmt.Errorf("cannot descend into %T", container)
	}
}

func deepCopy(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
