/*
Package config loads and validates the service configuration.

Configuration is a single YAML file layered over built-in defaults:

	cfg, err := config.Load("/etc/tradecapture/config.yaml")

Every tunable the core recognises lives on the Config struct: messaging
provider and topic names, coordination and durable store endpoints, the
idempotency window, sequence-buffer sizing, rate-limit buckets,
backpressure water marks, lock durations, reference-data cache TTLs and
deadlock-retry bounds.

Validate rejects configurations the service cannot start with; the
process exits with code 2 on a bad configuration rather than limping
along with defaults it was not asked for.
*/
package config
