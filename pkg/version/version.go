// Package version derives the build version reported in logs and outbound
// user agents. An -ldflags override wins, then the VCS revision embedded by
// the Go toolchain, then "dev".
package version

import "runtime/debug"

// AppName prefixes version strings.
const AppName = "soctalk"

// commitOverride is injected with -ldflags for container builds where no
// .git directory is available.
var commitOverride string

var commit = resolveCommit()

// Commit returns the short revision this binary was built from, or "dev"
// when no build metadata is available (go test, non-git builds).
func Commit() string { return commit }

// Full returns "soctalk/<commit>".
func Full() string { return AppName + "/" + commit }

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return short(s.Value)
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
