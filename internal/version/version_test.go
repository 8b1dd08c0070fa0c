package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime })

	Version, GitSHA, BuildTime = "v1.2.0", "abc123", "2026-01-02T03:04:05Z"
	assert.Equal(t, "v1.2.0 (abc123, built 2026-01-02T03:04:05Z)", String())
	assert.Equal(t, Info{Version: "v1.2.0", GitSHA: "abc123", BuildTime: "2026-01-02T03:04:05Z"}, Get())
}
