package sendlimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigRepo struct {
	services map[int64]domain.ServiceConfig
}

func (f *fakeConfigRepo) GetService(_ context.Context, id int64) (domain.ServiceConfig, error) {
	svc, ok := f.services[id]
	if !ok {
		return domain.ServiceConfig{}, errs.ErrServiceNotFound
	}
	return svc, nil
}

func (f *fakeConfigRepo) GetSMSSender(_ context.Context, _, _ int64) (domain.SMSSender, error) {
	return domain.SMSSender{}, nil
}

func (f *fakeConfigRepo) GetTemplate(_ context.Context, _, _ int64) (domain.TemplateSnapshot, error) {
	return domain.TemplateSnapshot{}, nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (f *fakeCounter) key(serviceID int64, day time.Time) string {
	return fmt.Sprintf("%d:%s", serviceID, day.UTC().Format("2006-01-02"))
}

func (f *fakeCounter) Get(_ context.Context, serviceID int64, day time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[f.key(serviceID, day)], nil
}

func (f *fakeCounter) IncrBy(_ context.Context, serviceID int64, day time.Time, n int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[f.key(serviceID, day)] += n
	return f.counts[f.key(serviceID, day)], nil
}

func newTestGuard(t *testing.T, limit int32) (GuardService, *fakeCounter) {
	t.Helper()
	counter := newFakeCounter()
	repo := &fakeConfigRepo{services: map[int64]domain.ServiceConfig{
		1: {ID: 1, Name: "测试服务", MessageLimit: limit, Active: true},
	}}
	return NewGuardService(repo, counter), counter
}

func TestGuardCheck(t *testing.T) {
	t.Parallel()

	t.Run("已发8条再发3条超过上限10", func(t *testing.T) {
		t.Parallel()
		guard, _ := newTestGuard(t, 10)
		require.NoError(t, guard.Commit(t.Context(), 1, 8))

		err := guard.Check(t.Context(), 1, 3)
		assert.ErrorIs(t, err, errs.ErrSendingLimitExceeded)
	})

	t.Run("已发8条再发2条恰好等于上限10", func(t *testing.T) {
		t.Parallel()
		guard, _ := newTestGuard(t, 10)
		require.NoError(t, guard.Commit(t.Context(), 1, 8))

		assert.NoError(t, guard.Check(t.Context(), 1, 2))
	})

	t.Run("上限为0表示不限量", func(t *testing.T) {
		t.Parallel()
		guard, _ := newTestGuard(t, 0)
		require.NoError(t, guard.Commit(t.Context(), 1, 100000))

		assert.NoError(t, guard.Check(t.Context(), 1, 100000))
	})

	t.Run("Check不占用额度", func(t *testing.T) {
		t.Parallel()
		guard, counter := newTestGuard(t, 10)

		for range 5 {
			require.NoError(t, guard.Check(t.Context(), 1, 10))
		}
		count, err := counter.Get(t.Context(), 1, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("服务不存在", func(t *testing.T) {
		t.Parallel()
		guard, _ := newTestGuard(t, 10)
		err := guard.Check(t.Context(), 999, 1)
		assert.ErrorIs(t, err, errs.ErrServiceNotFound)
	})
}
