// Package model defines the provider-neutral chat model abstraction used by
// target adapters, adaptive attacker strategies and LLM-graded scorers.
// Concrete providers live in subpackages (openai, anthropic); MockModel
// offers a deterministic in-memory implementation for tests and examples.
package model
