package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	retrypkg "gitee.com/flycash/notify-dispatch/internal/pkg/retry"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNotificationRepo 内存版通知仓储，只实现 worker 用到的语义
type fakeNotificationRepo struct {
	mu            sync.Mutex
	notifications map[string]domain.Notification
}

func newFakeNotificationRepo(ns ...domain.Notification) *fakeNotificationRepo {
	m := make(map[string]domain.Notification, len(ns))
	for _, n := range ns {
		m[n.ID] = n
	}
	return &fakeNotificationRepo{notifications: m}
}

func (f *fakeNotificationRepo) Create(_ context.Context, n domain.Notification) (domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[n.ID] = n
	return n, nil
}

func (f *fakeNotificationRepo) BatchCreate(_ context.Context, ns []domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range ns {
		f.notifications[n.ID] = n
	}
	return nil
}

func (f *fakeNotificationRepo) GetByID(_ context.Context, id string) (domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return domain.Notification{}, errs.ErrNotificationNotFound
	}
	return n, nil
}

func (f *fakeNotificationRepo) GetByReference(_ context.Context, reference string) (domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.Reference == reference {
			return n, nil
		}
	}
	return domain.Notification{}, errs.ErrNotificationNotFound
}

func (f *fakeNotificationRepo) MarkSending(_ context.Context, id, provider, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[id]
	if !n.Submittable() {
		if n.Reference != "" && n.Reference != reference {
			return false, errs.ErrReferenceAlreadySet
		}
		return false, nil
	}
	n.Status = domain.SendStatusSending
	n.Reference = reference
	n.SentAt = time.Now()
	f.notifications[id] = n
	return true, nil
}

func (f *fakeNotificationRepo) CASStatus(_ context.Context, id string, required, target domain.SendStatus, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[id]
	if n.Status != required {
		return false, nil
	}
	n.Status = target
	n.StatusReason = reason
	f.notifications[id] = n
	return true, nil
}

func (f *fakeNotificationRepo) TransitionStatus(_ context.Context, id string, target domain.SendStatus, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[id]
	if !domain.CanTransition(n.Status, target) {
		return false, nil
	}
	n.Status = target
	n.StatusReason = reason
	f.notifications[id] = n
	return true, nil
}

func (f *fakeNotificationRepo) CASStatusWithCost(_ context.Context, id string, required []domain.SendStatus, target domain.SendStatus, reason string, segments int32, costMillicents int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[id]
	matched := false
	for _, s := range required {
		if n.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	n.Status = target
	n.StatusReason = reason
	n.SegmentsCount = segments
	n.CostMillicents = costMillicents
	f.notifications[id] = n
	return true, nil
}

func (f *fakeNotificationRepo) UpdateStatusByReference(_ context.Context, reference string, target domain.SendStatus, reason string) (int64, error) {
	return 0, nil
}

func (f *fakeNotificationRepo) MarkTimedOutAsTemporaryFailure(_ context.Context, _ time.Time, _ int) (int64, error) {
	return 0, nil
}

func (f *fakeNotificationRepo) FindCreatedBefore(_ context.Context, _ time.Time, _ domain.Channel, _ int) ([]domain.Notification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) FindAwaitingReceipt(_ context.Context, _ string, _ time.Time, _ int) ([]domain.Notification, error) {
	return nil, nil
}

func (f *fakeNotificationRepo) LastRowForJob(_ context.Context, _ uint64) (int32, error) {
	return -1, nil
}

type fakeConfigRepo struct {
	restricted bool
	allowed    []string
}

func (f *fakeConfigRepo) GetService(_ context.Context, id int64) (domain.ServiceConfig, error) {
	return domain.ServiceConfig{
		ID:                id,
		Active:            true,
		Restricted:        f.restricted,
		AllowedRecipients: f.allowed,
	}, nil
}

func (f *fakeConfigRepo) GetSMSSender(_ context.Context, _, senderID int64) (domain.SMSSender, error) {
	return domain.SMSSender{ID: senderID, Number: "测试签名"}, nil
}

func (f *fakeConfigRepo) GetTemplate(_ context.Context, id, version int64) (domain.TemplateSnapshot, error) {
	return domain.TemplateSnapshot{ID: id, Version: version, Content: "TPL_001"}, nil
}

type fakeGuard struct {
	denied    bool
	committed int64
}

func (f *fakeGuard) Check(_ context.Context, _ int64, _ int64) error {
	if f.denied {
		return errs.ErrSendingLimitExceeded
	}
	return nil
}

func (f *fakeGuard) Commit(_ context.Context, _ int64, n int64) error {
	f.committed += n
	return nil
}

type fakeProducer struct {
	mu    sync.Mutex
	tasks []struct {
		Queue string
		Task  task.Task
	}
}

func (f *fakeProducer) Produce(_ context.Context, queue string, t task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, struct {
		Queue string
		Task  task.Task
	}{queue, t})
	return nil
}

type fakeClient struct {
	mu        sync.Mutex
	calls     int
	result    provider.SubmitResult
	err       error
	reference string
}

func (f *fakeClient) Name() string            { return "fake" }
func (f *fakeClient) Channel() domain.Channel { return domain.ChannelSMS }

func (f *fakeClient) Submit(_ context.Context, _ provider.SubmitRequest) (provider.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return provider.SubmitResult{}, f.err
	}
	if f.reference != "" {
		return provider.SubmitResult{Reference: f.reference}, nil
	}
	return f.result, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRetryConfig() retrypkg.Config {
	return retrypkg.Config{
		Type: "exponential",
		ExponentialBackoff: &retrypkg.ExponentialBackoffConfig{
			InitialInterval: 100,
			MaxInterval:     1000,
			MaxRetries:      10,
		},
	}
}

func newTestNotification(id string) domain.Notification {
	return domain.Notification{
		ID:        id,
		ServiceID: 1,
		Channel:   domain.ChannelSMS,
		Recipient: "+8613800000000",
		Template:  domain.Template{ID: 1, Version: 1},
		Status:    domain.SendStatusCreated,
		KeyType:   domain.KeyTypeNormal,
	}
}

func TestSubmitterSuccess(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{reference: "abc123"}
	guard := &fakeGuard{}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo, ConfigRepo: &fakeConfigRepo{},
		Guard: guard, Producer: &fakeProducer{}, RetryCfg: testRetryConfig(),
	})

	err := submitter.Handle(t.Context(), task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1"})
	require.NoError(t, err)

	got, err := repo.GetByID(t.Context(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SendStatusSending, got.Status)
	assert.Equal(t, "abc123", got.Reference)
	assert.Equal(t, 1, client.callCount())
	assert.Equal(t, int64(1), guard.committed)
}

func TestSubmitterDuplicateTask(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{reference: "abc123"}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo, ConfigRepo: &fakeConfigRepo{},
		Guard: &fakeGuard{}, Producer: &fakeProducer{}, RetryCfg: testRetryConfig(),
	})

	duplicated := task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1"}
	require.NoError(t, submitter.Handle(t.Context(), duplicated))
	require.NoError(t, submitter.Handle(t.Context(), duplicated))

	// 第二次投递在可提交检查处退出，供应商只被调用一次
	assert.Equal(t, 1, client.callCount())
}

func TestSubmitterPermanentFailure(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{err: provider.NewPermanentError(domain.ReasonInvalidNumber, errors.New("code=isv.MOBILE_NUMBER_ILLEGAL"))}
	producer := &fakeProducer{}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo, ConfigRepo: &fakeConfigRepo{},
		Guard: &fakeGuard{}, Producer: producer, RetryCfg: testRetryConfig(),
	})

	require.NoError(t, submitter.Handle(t.Context(), task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1"}))

	got, _ := repo.GetByID(t.Context(), "n-1")
	assert.Equal(t, domain.SendStatusPermanentFailure, got.Status)
	assert.Equal(t, domain.ReasonInvalidNumber, got.StatusReason)
	// 永久失败不重试
	assert.Empty(t, producer.tasks)
}

func TestSubmitterTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{err: errors.New("连接超时")}
	producer := &fakeProducer{}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo, ConfigRepo: &fakeConfigRepo{},
		Guard: &fakeGuard{}, Producer: producer, RetryCfg: testRetryConfig(),
	})

	require.NoError(t, submitter.Handle(t.Context(), task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1"}))

	// 状态不变，重试任务入队且带退避时间
	got, _ := repo.GetByID(t.Context(), "n-1")
	assert.Equal(t, domain.SendStatusCreated, got.Status)
	require.Len(t, producer.tasks, 1)
	assert.Equal(t, task.QueueRetry, producer.tasks[0].Queue)
	assert.Equal(t, int32(1), producer.tasks[0].Task.Attempt)
	assert.Greater(t, producer.tasks[0].Task.NotBefore, time.Now().UnixMilli())
}

func TestSubmitterRetriesExhausted(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{err: errors.New("连接超时")}
	producer := &fakeProducer{}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo, ConfigRepo: &fakeConfigRepo{},
		Guard: &fakeGuard{}, Producer: producer, RetryCfg: testRetryConfig(),
	})

	// 依次消费每一次重试任务，直到次数用尽
	current := task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1"}
	for {
		require.NoError(t, submitter.Handle(t.Context(), current))
		got, _ := repo.GetByID(t.Context(), "n-1")
		if got.Status == domain.SendStatusTechnicalFailure {
			break
		}
		require.NotEmpty(t, producer.tasks)
		current = producer.tasks[len(producer.tasks)-1].Task
	}

	got, _ := repo.GetByID(t.Context(), "n-1")
	assert.Equal(t, domain.SendStatusTechnicalFailure, got.Status)
	assert.Equal(t, domain.ReasonRetriesExceeded, got.StatusReason)
	// 首次 + 4 次重试，第 5 次尝试判定次数用尽
	assert.Equal(t, 5, client.callCount())
}

func TestSubmitterRecipientNoLongerAllowed(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{reference: "abc123"}
	producer := &fakeProducer{}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo,
		ConfigRepo: &fakeConfigRepo{restricted: true, allowed: []string{"+8613800000099"}},
		Guard:      &fakeGuard{}, Producer: producer, RetryCfg: testRetryConfig(),
	})

	require.NoError(t, submitter.Handle(t.Context(), task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1"}))

	// 创建之后白名单收紧：不碰供应商，直接校验失败
	assert.Equal(t, 0, client.callCount())
	got, _ := repo.GetByID(t.Context(), "n-1")
	assert.Equal(t, domain.SendStatusValidationFailed, got.Status)
	assert.Empty(t, producer.tasks)
}

func TestSubmitterSendingLimitDenied(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{reference: "abc123"}
	producer := &fakeProducer{}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo, ConfigRepo: &fakeConfigRepo{},
		Guard: &fakeGuard{denied: true}, Producer: producer, RetryCfg: testRetryConfig(),
	})

	require.NoError(t, submitter.Handle(t.Context(), task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1"}))

	// 被限额拦下：没碰供应商，任务原样推迟，不消耗重试次数
	assert.Equal(t, 0, client.callCount())
	require.Len(t, producer.tasks, 1)
	assert.Equal(t, task.QueueRetry, producer.tasks[0].Queue)
	assert.Equal(t, int32(0), producer.tasks[0].Task.Attempt)
	assert.Greater(t, producer.tasks[0].Task.NotBefore, time.Now().UnixMilli())
}

func TestSubmitterSendingLimitNeverExhaustsRetries(t *testing.T) {
	t.Parallel()
	n := newTestNotification("n-1")
	repo := newFakeNotificationRepo(n)
	client := &fakeClient{reference: "abc123"}
	producer := &fakeProducer{}
	submitter := NewSubmitter(SubmitterConfig{
		Client: client, Repo: repo, ConfigRepo: &fakeConfigRepo{},
		Guard: &fakeGuard{denied: true}, Producer: producer, RetryCfg: testRetryConfig(),
	})

	// 即便任务已经带着用尽边缘的重试次数，限额拒绝也不会把它推进技术失败
	current := task.Task{Name: task.NameDeliverSMS, NotificationID: "n-1", Attempt: 4}
	for i := 0; i < 3; i++ {
		require.NoError(t, submitter.Handle(t.Context(), current))
		require.Len(t, producer.tasks, i+1)
		current = producer.tasks[i].Task
		assert.Equal(t, int32(4), current.Attempt)
	}

	got, _ := repo.GetByID(t.Context(), "n-1")
	assert.Equal(t, domain.SendStatusCreated, got.Status)
	assert.Equal(t, 0, client.callCount())
}
