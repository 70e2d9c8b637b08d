// Package config provides configuration loading and validation for the
// Amelia bridge. Settings come from a YAML file layered over defaults; the
// Gemini credential comes from the environment, optionally seeded from .env.
package config
