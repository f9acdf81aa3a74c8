package version

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeGit(describe string, tagged bool, descErr error) func(...string) (string, error) {
	return func(args ...string) (string, error) {
		switch args[0] {
		case "rev-parse":
			return ".git", nil
		case "describe":
			if slices.Contains(args, "--exact-match") {
				if tagged {
					return "v0.1.0", nil
				}
				return "", fmt.Errorf("no tag")
			}
			return describe, descErr
		default:
			return "", fmt.Errorf("unexpected git subcommand %q", args[0])
		}
	}
}

func notARepo(...string) (string, error) {
	return "", fmt.Errorf("not a git repository")
}

func TestResolveVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base string
		git  func(...string) (string, error)
		want string
	}{
		{name: "tagged release", base: "0.1.0", git: fakeGit("", true, nil), want: "0.1.0"},
		{name: "commits after tag", base: "0.1.0", git: fakeGit("v0.1.0-3-gabcdef", false, nil), want: "0.1.0-3-gabcdef"},
		{name: "dirty tree", base: "0.1.0", git: fakeGit("v0.1.0-3-gabcdef-dirty", false, nil), want: "0.1.0-3-gabcdef-dirty"},
		{name: "no tags", base: "0.1.0", git: fakeGit("abcdef", false, nil), want: "0.1.0-abcdef"},
		{name: "leading v in base", base: "v0.2.0", git: notARepo, want: "0.2.0"},
		{name: "not a repo", base: "0.1.0", git: notARepo, want: "0.1.0"},
		{name: "empty base", base: "", git: notARepo, want: "0.0.0"},
		{name: "describe fails", base: "0.1.0", git: fakeGit("", false, fmt.Errorf("describe failed")), want: "0.1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, resolveVersion(tt.base, tt.git))
		})
	}
}

func TestBuildInfoFallsBackToVCSStamp(t *testing.T) {
	t.Parallel()

	info := buildInfo("0.1.0", "unknown", "unknown", map[string]string{
		"vcs.revision": "0123456789abcdef0123",
		"vcs.time":     "2026-10-01T12:00:00Z",
		"vcs.modified": "true",
	})
	require.Equal(t, "0123456789ab-dirty", info.Commit)
	require.Equal(t, "2026-10-01T12:00:00Z", info.Date)
	require.Equal(t, runtime.Version(), info.GoVersion)
	require.True(t, strings.HasPrefix(info.String(), "voxqueue v0.1.0 (commit 0123456789ab-dirty"))
}

func TestBuildInfoPrefersLinkedValues(t *testing.T) {
	t.Parallel()

	info := buildInfo("0.1.0", "deadbeef", "2026-09-30", map[string]string{"vcs.revision": "ffff"})
	require.Equal(t, "deadbeef", info.Commit)
	require.Equal(t, "2026-09-30", info.Date)

	info = buildInfo("0.1.0", "unknown", "unknown", nil)
	require.Equal(t, "unknown", info.Commit)
}
