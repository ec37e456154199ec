// Package buildinfo exposes version metadata stamped at build time with
// -ldflags "-X wastenav/internal/buildinfo.Version=... -X wastenav/internal/buildinfo.Commit=...".
package buildinfo

var (
    Version = "dev"
    Commit  = "unknown"
)
