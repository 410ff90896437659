/*
Package config loads the per-process configuration snapshot.

Configuration comes from an optional YAML file (selected with --config or
found on the default search paths) with FKCHAT_ environment variable
overrides. The snapshot is decoded once in main and passed down to
constructors; nothing else in the tree reads viper.
*/
package config
