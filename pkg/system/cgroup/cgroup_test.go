//go:build linux

package cgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Detect(t *testing.T) {
	mode, err := Detect()
	require.NoError(t, err)
	assert.NotEqual(t, Unsupported, mode)

	t.Logf("detected %s", mode)
}

func Test_ModeString(t *testing.T) {
	assert.Equal(t, "cgroup v1", V1.String())
	assert.Equal(t, "cgroup v2", V2.String())
	assert.Equal(t, "cgroup hybrid", Hybrid.String())
	assert.Equal(t, "unsupported", Unsupported.String())
}
