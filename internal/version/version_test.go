package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	i := Info{Version: "v0.3.0", GitSHA: "0123456789abcdef", BuildTime: "2026-10-01", GoVersion: "go1.25.6"}
	assert.Equal(t, "qlaib v0.3.0 (0123456, built 2026-10-01, go1.25.6)", i.String())

	i.GitSHA = "abc"
	assert.Contains(t, i.String(), "(abc,")
}

func TestGet(t *testing.T) {
	got := Get()
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, runtime.Version(), got.GoVersion)
}
