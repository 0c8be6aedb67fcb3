package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withVars(t *testing.T, version, tag, commit, dirty string) {
	t.Helper()
	old := [4]string{Version, GitTag, GitCommit, GitDirty}
	Version, GitTag, GitCommit, GitDirty = version, tag, commit, dirty
	t.Cleanup(func() {
		Version, GitTag, GitCommit, GitDirty = old[0], old[1], old[2], old[3]
	})
}

func TestInfo(t *testing.T) {
	withVars(t, "1.0.0", "", "", "")
	assert.Equal(t, "1.0.0", Info())

	withVars(t, "1.0.0", "v1.1.0", "", "true")
	assert.Equal(t, "v1.1.0-dirty", Info())
	assert.Equal(t, "ejunz-gateway/v1.1.0-dirty", UserAgent())
}

func TestFullShortCommit(t *testing.T) {
	withVars(t, "1.0.0", "", "abc", "")
	assert.Equal(t, "1.0.0 (abc)", Full())

	withVars(t, "1.0.0", "", "0123456789abcdef", "")
	assert.Equal(t, "1.0.0 (0123456)", Full())
	assert.Equal(t, "0123456789abcdef", Get().GitCommit)
}
