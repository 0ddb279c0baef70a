package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratorAlwaysUsable(t *testing.T) {
	t.Parallel()
	gen := NewGenerator()
	// 没有私网地址的机器上也必须能拿到可用的生成器
	require.NotNil(t, gen.sf)

	first, err := gen.NextID()
	require.NoError(t, err)
	second, err := gen.NextID()
	require.NoError(t, err)
	assert.NotZero(t, first)
	assert.Greater(t, second, first)
}
