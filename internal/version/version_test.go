package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, version, commit, built string) {
	t.Helper()
	oldVersion, oldCommit, oldTime := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = version, commit, built
	t.Cleanup(func() { Version, GitCommit, BuildTime = oldVersion, oldCommit, oldTime })
}

func TestStampedVersion(t *testing.T) {
	stamp(t, "v1.4.0", "0123456789abcdef", "2024-03-01T12:00:00Z")

	assert.Equal(t, "v1.4.0", GetVersion())
	assert.Equal(t, "v1.4.0 (0123456)", GetShortVersion())
	assert.True(t, IsRelease())

	info := GetBuildInfo()
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), info.BuildTime)
	assert.Contains(t, GetDetailedVersion(), "Commit: 0123456789abcdef")
	assert.Contains(t, GetDetailedVersion(), "Built: 2024-03-01T12:00:00Z")
}

func TestReleaseVersions(t *testing.T) {
	tests := []struct {
		version string
		release bool
	}{
		{"v1.0.0", true},
		{"2.3.4", true},
		{"v1.0.0-rc.1", false},
		{"dev", false},
		{"dev-abcdef0", false},
		{"v0.0.0-20240101000000-abcdefabcdef", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.release, isReleaseVersion(tt.version))
		})
	}
}

func TestParseBuildTime(t *testing.T) {
	assert.True(t, parseBuildTime("unknown").IsZero())
	assert.True(t, parseBuildTime("yesterday").IsZero())
	assert.Equal(t, 2024, parseBuildTime("2024-01-02 03:04:05").Year())
}
