// Package config loads the node's configuration from environment
// variables, enumerated in spec.md §6, using the same getenv/mustGetenv
// style as the teacher's cmd/node and cmd/coordinator entry points rather
// than a struct-tag-driven env parser. CheckDataDirSafety implements the
// "a dev/test node must not point at a production-looking dataDir" rule.
package config
