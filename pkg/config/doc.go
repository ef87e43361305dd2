/*
Package config holds the scheduler's runtime configuration: listen
address, failure-detection thresholds, dispatcher tuning, and optional
audit log path. Values start from Default and are overridden by an
optional YAML file, whose path cmd/skeind takes from its --config
persistent flag (the cobra persistent-flags-plus-cobra.OnInitialize pattern
of _examples/cuemby-warren/cmd/warren/main.go). No other command-line flag
overrides a Config field.
*/
package config
