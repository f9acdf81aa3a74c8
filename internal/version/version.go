package version

import (
	"fmt"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X github.com/fmueller/voxqueue/internal/version.Version=..."
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

func (i Info) String() string {
	return fmt.Sprintf("voxqueue v%s (commit %s, built %s, %s)", i.Version, i.Commit, i.Date, i.GoVersion)
}

// Current returns the version of this binary. Commit and date fall back to
// the VCS stamp the Go toolchain embeds when they were not set at link time.
func Current() Info {
	settings := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			settings[s.Key] = s.Value
		}
	}
	return buildInfo(Resolve(), Commit, Date, settings)
}

// Resolve returns the version string, appending a git-derived suffix when
// the binary is run from a checkout whose HEAD is not on a release tag.
func Resolve() string {
	return resolveVersion(Version, runGit)
}

func buildInfo(resolved, commit, date string, vcs map[string]string) Info {
	info := Info{Version: resolved, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if info.Commit == "" || info.Commit == "unknown" {
		if rev := vcs["vcs.revision"]; rev != "" {
			if len(rev) > 12 {
				rev = rev[:12]
			}
			if vcs["vcs.modified"] == "true" {
				rev += "-dirty"
			}
			info.Commit = rev
		}
	}
	if info.Date == "" || info.Date == "unknown" {
		if t := vcs["vcs.time"]; t != "" {
			info.Date = t
		}
	}
	return info
}

func resolveVersion(base string, git func(...string) (string, error)) string {
	base = strings.TrimPrefix(strings.TrimSpace(base), "v")
	if base == "" {
		base = "0.0.0"
	}

	suffix := gitSuffix(base, git)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func gitSuffix(base string, git func(...string) (string, error)) string {
	if _, err := git("rev-parse", "--git-dir"); err != nil {
		return ""
	}
	if _, err := git("describe", "--tags", "--exact-match"); err == nil {
		return ""
	}

	desc, err := git("describe", "--tags", "--dirty", "--always")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(desc, "v"+base+"-")
}

func runGit(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
