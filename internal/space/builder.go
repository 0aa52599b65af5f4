package space

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Builder turns sampled parameter maps into instances of one space.
type Builder struct {
	space       *Space
	input       Shape
	constrainer *Constrainer
	log         *zap.Logger
}

type BuilderOption func(*Builder)

// WithConstrainer solves output channels before instantiation.
func WithConstrainer(c *Constrainer) BuilderOption {
	return func(b *Builder) {
		b.constrainer = c
	}
}

func WithBuilderLogger(log *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if log != nil {
			b.log = log
		}
	}
}

func NewBuilder(s *Space, input Shape, opts ...BuilderOption) (*Builder, error) {
	if s == nil || s.Len() == 0 {
		return nil, fmt.Errorf("builder requires a non-empty space")
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("builder requires an input shape")
	}
	b := &Builder{space: s, input: append(Shape(nil), input...), log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Builder) Space() *Space {
	return b.space
}

func (b *Builder) Input() Shape {
	return append(Shape(nil), b.input...)
}

// BuildModel satisfies the model builder contract of the search driver.
func (b *Builder) BuildModel(ctx context.Context, params map[string]any) (any, error) {
	return b.Build(ctx, params)
}

// Build validates params against the space, solves output channels when a
// constrainer is configured and instantiates every node.
func (b *Builder) Build(ctx context.Context, params map[string]any) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := ConfigFromValues(params)
	if err != nil {
		return nil, err
	}
	if err := b.space.Validate(cfg); err != nil {
		return nil, err
	}
	if b.constrainer != nil {
		res, err := b.constrainer.ConstrainOutputChannels(cfg, nil)
		if err != nil {
			return nil, err
		}
		if len(res.Coerced) > 0 {
			b.log.Debug("configuration coerced", zap.Strings("symbols", res.Coerced))
		}
		cfg = res.Config
	}
	return b.space.InferParameters(b.input, NewContext(cfg))
}
