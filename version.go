// Package friday holds build-time metadata shared across the module root.
package friday

// VERSION is the exemplar agent's release version, overridden at build time
// via -ldflags "-X github.com/p3394/exemplar-agent.VERSION=...". It defaults
// to "n/a" in unreleased / locally-built binaries.
var VERSION = "n/a"
