// Package config provides centralized configuration management for the
// GluePay runtime, covering the settlement API server, ledger and registry
// storage backends, the settlement journal queue, and chain definitions.
package config
