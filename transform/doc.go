// Package transform provides the plumbing around the Transformer capability:
// function adapters, chaining and the identity transform. Concrete mutation
// algorithms (encodings, translations, paraphrase models) live outside this
// module and plug in through core.Transformer.
package transform
