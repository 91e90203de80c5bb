package strategy

import (
	"context"
	"sync"

	"github.com/hupe1980/probemesh/core"
)

// SeedOptions configure the seed strategy.
type SeedOptions struct {
	// Transformer precomputes mutations of the seed prompt on the first
	// NextPrompt call. Without one, the seed itself is the only prompt.
	Transformer core.Transformer

	// IncludeSeed controls whether the untransformed seed is sent as the
	// first prompt before its mutations. Defaults to true.
	IncludeSeed bool
}

// Seed replays a seed prompt followed by its transformer mutations, one per
// turn. The mutation set is computed lazily on the first call so the
// transformer (a suspension point) runs under the engine's context.
type Seed struct {
	seed        string
	transformer core.Transformer
	includeSeed bool

	mu       sync.Mutex
	queue    []string
	prepared bool
}

// Compile time check to ensure Seed satisfies the core.AttackerStrategy interface.
var _ core.AttackerStrategy = (*Seed)(nil)

// NewSeed creates a seed strategy for one seed prompt.
func NewSeed(seed string, optFns ...func(o *SeedOptions)) *Seed {
	opts := SeedOptions{
		IncludeSeed: true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Seed{
		seed:        seed,
		transformer: opts.Transformer,
		includeSeed: opts.IncludeSeed,
	}
}

// NextPrompt implements core.AttackerStrategy.
func (s *Seed) NextPrompt(ctx context.Context, _ []core.ConversationEntry, _ []core.ScoreRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.prepared {
		if s.includeSeed {
			s.queue = append(s.queue, s.seed)
		}
		if s.transformer != nil {
			variants, err := s.transformer.Transform(ctx, s.seed)
			if err != nil {
				return "", err
			}
			s.queue = append(s.queue, variants...)
		}
		s.prepared = true
	}

	if len(s.queue) == 0 {
		return "", core.ErrNoMorePrompts
	}
	prompt := s.queue[0]
	s.queue = s.queue[1:]
	return prompt, nil
}
