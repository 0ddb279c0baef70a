package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrValue(t *testing.T) {
	t.Parallel()
	s := "Ok"
	assert.Equal(t, "Ok", strValue(&s))
	// 空指针不允许 panic
	assert.Equal(t, "", strValue(nil))
}

func TestOrderedParams(t *testing.T) {
	t.Parallel()
	c := &TencentCloudSMS{}
	// 模板参数按位置生效，遍历顺序必须稳定
	got := c.orderedParams(map[string]string{
		"2": "b",
		"1": "a",
		"3": "c",
	})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
