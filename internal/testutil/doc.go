// Package testutil contains helper builders and scripted capability fakes
// used across tests to reduce boilerplate when constructing core model
// objects (entries, scores, sessions) and simulating target, scorer and
// transformer behavior turn by turn. These helpers are intentionally minimal
// and avoid adding third‑party dependencies. They are not intended for
// production usage.
package testutil
