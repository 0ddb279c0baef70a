//go:build e2e

package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type RedisSlidingWindowLimiterTestSuite struct {
	suite.Suite
	client *redis.Client
}

func (s *RedisSlidingWindowLimiterTestSuite) SetupSuite() {
	s.client = redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
}

func (s *RedisSlidingWindowLimiterTestSuite) TearDownSuite() {
	s.client.FlushDB(s.T().Context())
	s.client.Close()
}

func (s *RedisSlidingWindowLimiterTestSuite) SetupTest() {
	s.client.FlushDB(s.T().Context())
}

func (s *RedisSlidingWindowLimiterTestSuite) TestLimitWithinRate() {
	limiter := NewRedisSlidingWindowLimiter(s.client, time.Second, 3)

	for i := 0; i < 3; i++ {
		limited, err := limiter.Limit(s.T().Context(), "sender-a")
		s.NoError(err)
		s.False(limited)
	}
}

func (s *RedisSlidingWindowLimiterTestSuite) TestLimitExceedsRate() {
	limiter := NewRedisSlidingWindowLimiter(s.client, time.Second, 2)

	for i := 0; i < 2; i++ {
		limited, err := limiter.Limit(s.T().Context(), "sender-b")
		s.NoError(err)
		s.False(limited)
	}

	limited, err := limiter.Limit(s.T().Context(), "sender-b")
	s.NoError(err)
	s.True(limited)
}

func (s *RedisSlidingWindowLimiterTestSuite) TestKeysAreIsolated() {
	limiter := NewRedisSlidingWindowLimiter(s.client, time.Second, 1)

	limited, err := limiter.Limit(s.T().Context(), "sender-c")
	s.NoError(err)
	s.False(limited)

	// 另一个发送方有自己的窗口
	limited, err = limiter.Limit(s.T().Context(), "sender-d")
	s.NoError(err)
	s.False(limited)
}

func (s *RedisSlidingWindowLimiterTestSuite) TestWindowSlides() {
	const window = 300 * time.Millisecond
	limiter := NewRedisSlidingWindowLimiter(s.client, window, 1)

	limited, err := limiter.Limit(s.T().Context(), "sender-e")
	s.NoError(err)
	s.False(limited)

	limited, err = limiter.Limit(s.T().Context(), "sender-e")
	s.NoError(err)
	s.True(limited)

	time.Sleep(window + 50*time.Millisecond)

	limited, err = limiter.Limit(s.T().Context(), "sender-e")
	s.NoError(err)
	s.False(limited)
}

func (s *RedisSlidingWindowLimiterTestSuite) TestLimitWithRateOverridesDefault() {
	// 默认速率极小，按调用方速率放行
	limiter := NewRedisSlidingWindowLimiter(s.client, time.Second, 1)

	for i := 0; i < 5; i++ {
		limited, err := limiter.LimitWithRate(s.T().Context(), "sender-f", time.Second.Milliseconds(), 10)
		s.NoError(err)
		s.False(limited)
	}
}

func (s *RedisSlidingWindowLimiterTestSuite) TestIsLimitedAfter() {
	limiter := NewRedisSlidingWindowLimiter(s.client, time.Second, 1)
	before := time.Now().UnixMilli()

	_, err := limiter.Limit(s.T().Context(), "sender-g")
	s.NoError(err)
	limited, err := limiter.Limit(s.T().Context(), "sender-g")
	s.NoError(err)
	s.True(limited)

	happened, err := limiter.IsLimitedAfter(s.T().Context(), "sender-g", before)
	s.NoError(err)
	s.True(happened)

	happened, err = limiter.IsLimitedAfter(s.T().Context(), "sender-g", time.Now().UnixMilli()+1000)
	s.NoError(err)
	s.False(happened)
}

func TestRedisSlidingWindowLimiter(t *testing.T) {
	suite.Run(t, new(RedisSlidingWindowLimiterTestSuite))
}
