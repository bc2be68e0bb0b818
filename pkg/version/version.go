package version

// Version is filled at build time via -ldflags.
var Version = "v0.0.0-dev"
