package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	old := Version
	Version = "v9.9.9"
	t.Cleanup(func() { Version = old })

	info := Get()
	assert.Equal(t, "v9.9.9", info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Empty(t, info.SHA256)
	assert.Contains(t, info.String(), "v9.9.9")
}

func TestSelfSHA256(t *testing.T) {
	sum := SelfSHA256()
	assert.Len(t, sum, 64)
	assert.Equal(t, sum, SelfSHA256())
	assert.Equal(t, sum, Get().WithChecksum().SHA256)
}
