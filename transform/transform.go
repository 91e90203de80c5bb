package transform

import (
	"context"

	"github.com/hupe1980/probemesh/core"
)

// Func adapts a plain function to the core.Transformer interface.
//
// Example:
//
//	upper := transform.Func(func(ctx context.Context, prompt string) ([]string, error) {
//	    return []string{strings.ToUpper(prompt)}, nil
//	})
type Func func(ctx context.Context, prompt string) ([]string, error)

// Compile time check to ensure Func satisfies the core.Transformer interface.
var _ core.Transformer = (Func)(nil)

// Transform implements core.Transformer.
func (f Func) Transform(ctx context.Context, prompt string) ([]string, error) {
	return f(ctx, prompt)
}

// Identity returns the prompt unchanged as its single variant.
func Identity() core.Transformer {
	return Func(func(_ context.Context, prompt string) ([]string, error) {
		return []string{prompt}, nil
	})
}

// Chain composes transformers stage by stage: every variant produced by one
// stage is fed through the next, so the final variant set is the product of
// all stages. An empty chain behaves like Identity.
type Chain struct {
	stages []core.Transformer
}

// Compile time check to ensure Chain satisfies the core.Transformer interface.
var _ core.Transformer = (*Chain)(nil)

// NewChain creates a chain over the given stages.
func NewChain(stages ...core.Transformer) *Chain {
	return &Chain{stages: stages}
}

// Transform implements core.Transformer.
func (c *Chain) Transform(ctx context.Context, prompt string) ([]string, error) {
	variants := []string{prompt}
	for _, stage := range c.stages {
		next := make([]string, 0, len(variants))
		for _, v := range variants {
			out, err := stage.Transform(ctx, v)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		variants = next
	}
	return variants, nil
}
