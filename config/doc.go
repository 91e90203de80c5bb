// Package config loads harness configuration from YAML: store selection,
// retry policy, batch limits, provider defaults and logging. Missing files
// fall back to defaults; ${VAR} references are interpolated from the
// environment so API keys stay out of config files.
package config
