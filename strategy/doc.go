// Package strategy provides AttackerStrategy implementations: the precomputed
// seed-and-mutations strategy and an adaptive attacker backed by a red-team
// model. Strategies are consumed by the engine one prompt per turn and signal
// core.ErrNoMorePrompts when their supply runs out.
package strategy
