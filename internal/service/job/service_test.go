package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	"gitee.com/flycash/notify-dispatch/internal/pkg/idgen"
	"gitee.com/flycash/notify-dispatch/internal/service/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uint64]domain.Job
	rows map[uint64][]domain.JobRow
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		jobs: make(map[uint64]domain.Job),
		rows: make(map[uint64][]domain.JobRow),
	}
}

func (f *fakeJobRepo) Create(_ context.Context, j domain.Job, rows []domain.JobRow) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[j.ID]; ok {
		return domain.Job{}, errs.ErrJobDuplicate
	}
	f.jobs[j.ID] = j
	f.rows[j.ID] = rows
	return j, nil
}

func (f *fakeJobRepo) GetByID(_ context.Context, id uint64) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, errs.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) MarkInProgress(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status != domain.JobStatusPending {
		return false, nil
	}
	j.Status = domain.JobStatusInProgress
	j.ProcessingStarted = time.Now()
	f.jobs[id] = j
	return true, nil
}

func (f *fakeJobRepo) CASStatus(_ context.Context, id uint64, target domain.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	for _, src := range domain.JobTransitionSources(target) {
		if j.Status == src {
			j.Status = target
			f.jobs[id] = j
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJobRepo) ResetForResume(_ context.Context, id uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status != domain.JobStatusError {
		return false, nil
	}
	j.Status = domain.JobStatusInProgress
	f.jobs[id] = j
	return true, nil
}

func (f *fakeJobRepo) FindStuckInProgress(_ context.Context, _ time.Time, _ int) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) ListRowsAfter(_ context.Context, jobID uint64, afterRow int32, limit int) ([]domain.JobRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []domain.JobRow
	for _, row := range f.rows[jobID] {
		if row.RowNumber > afterRow {
			result = append(result, row)
		}
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

type fakeNotificationRepo struct {
	mu            sync.Mutex
	notifications map[string]domain.Notification
	lastRow       int32
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{
		notifications: make(map[string]domain.Notification),
		lastRow:       -1,
	}
}

func (f *fakeNotificationRepo) Create(_ context.Context, n domain.Notification) (domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notifications[n.ID]; ok {
		return domain.Notification{}, errs.ErrNotificationDuplicate
	}
	f.notifications[n.ID] = n
	return n, nil
}

func (f *fakeNotificationRepo) BatchCreate(_ context.Context, _ []domain.Notification) error {
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

func (f *fakeNotificationRepo) GetByReference(_ context.Context, _ string) (domain.Notification, error) {
	return domain.Notification{}, errs.ErrNotificationNotFound
}

func (f *fakeNotificationRepo) MarkSending(_ context.Context, _, _, _ string) (bool, error) {
	return false, nil
}

func (f *fakeNotificationRepo) CASStatus(_ context.Context, _ string, _, _ domain.SendStatus, _ string) (bool, error) {
	return false, nil
}

func (f *fakeNotificationRepo) TransitionStatus(_ context.Context, _ string, _ domain.SendStatus, _ string) (bool, error) {
	return false, nil
}

func (f *fakeNotificationRepo) CASStatusWithCost(_ context.Context, _ string, _ []domain.SendStatus, _ domain.SendStatus, _ string, _ int32, _ int64) (bool, error) {
	return false, nil
}

func (f *fakeNotificationRepo) UpdateStatusByReference(_ context.Context, _ string, _ domain.SendStatus, _ string) (int64, error) {
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
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRow, nil
}

type fakeGuard struct {
	denied bool
}

func (f *fakeGuard) Check(_ context.Context, _ int64, _ int64) error {
	if f.denied {
		return errs.ErrSendingLimitExceeded
	}
	return nil
}

func (f *fakeGuard) Commit(_ context.Context, _ int64, _ int64) error { return nil }

type stubRouter struct{}

func (s stubRouter) Route(_ context.Context, _ domain.Notification) (router.Route, error) {
	return router.Route{Queue: task.QueueSendSMS, TaskName: task.NameDeliverSMS}, nil
}

type fakeProducer struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (f *fakeProducer) Produce(_ context.Context, _ string, t task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return nil
}

func newTestService(t *testing.T, jobRepo *fakeJobRepo, nRepo *fakeNotificationRepo, guard *fakeGuard, producer *fakeProducer) *Service {
	t.Helper()
	return NewService(jobRepo, nRepo, guard, stubRouter{}, producer, idgen.NewGenerator())
}

func testRows(n int) []domain.JobRow {
	rows := make([]domain.JobRow, n)
	for i := range rows {
		rows[i] = domain.JobRow{
			Recipient: "+861380000000" + string(rune('0'+i%10)),
			Params:    map[string]string{"code": "1234"},
		}
	}
	return rows
}

func TestCreateAndProcess(t *testing.T) {
	t.Parallel()
	jobRepo := newFakeJobRepo()
	nRepo := newFakeNotificationRepo()
	producer := &fakeProducer{}
	svc := newTestService(t, jobRepo, nRepo, &fakeGuard{}, producer)

	created, err := svc.Create(t.Context(), domain.Job{
		ServiceID: 1,
		Channel:   domain.ChannelSMS,
		Template:  domain.Template{ID: 1, Version: 1},
	}, testRows(3))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, int32(3), created.NotificationCount)

	// 创建只投了一个处理任务
	require.Len(t, producer.tasks, 1)
	assert.Equal(t, task.NameProcessJob, producer.tasks[0].Name)

	require.NoError(t, svc.HandleProcess(t.Context(), producer.tasks[0]))

	// 三行通知全部落库并入队
	assert.Len(t, nRepo.notifications, 3)
	assert.Len(t, producer.tasks, 4)
	got, _ := jobRepo.GetByID(t.Context(), created.ID)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
}

func TestHandleProcessIsIdempotent(t *testing.T) {
	t.Parallel()
	jobRepo := newFakeJobRepo()
	nRepo := newFakeNotificationRepo()
	producer := &fakeProducer{}
	svc := newTestService(t, jobRepo, nRepo, &fakeGuard{}, producer)

	created, err := svc.Create(t.Context(), domain.Job{
		ServiceID: 1,
		Channel:   domain.ChannelSMS,
		Template:  domain.Template{ID: 1, Version: 1},
	}, testRows(2))
	require.NoError(t, err)

	processTask := task.Task{Name: task.NameProcessJob, JobID: created.ID}
	require.NoError(t, svc.HandleProcess(t.Context(), processTask))
	require.NoError(t, svc.HandleProcess(t.Context(), processTask))

	// 第二次投递在捡起检查处退出，不会重复落库
	assert.Len(t, nRepo.notifications, 2)
}

func TestHandleProcessSendingLimitExceeded(t *testing.T) {
	t.Parallel()
	jobRepo := newFakeJobRepo()
	nRepo := newFakeNotificationRepo()
	producer := &fakeProducer{}
	svc := newTestService(t, jobRepo, nRepo, &fakeGuard{denied: true}, producer)

	created, err := svc.Create(t.Context(), domain.Job{
		ServiceID: 1,
		Channel:   domain.ChannelSMS,
		Template:  domain.Template{ID: 1, Version: 1},
	}, testRows(5))
	require.NoError(t, err)

	require.NoError(t, svc.HandleProcess(t.Context(), task.Task{Name: task.NameProcessJob, JobID: created.ID}))

	got, _ := jobRepo.GetByID(t.Context(), created.ID)
	assert.Equal(t, domain.JobStatusSendingLimitsExceeded, got.Status)
	assert.Empty(t, nRepo.notifications)
}

func TestHandleResume(t *testing.T) {
	t.Parallel()
	jobRepo := newFakeJobRepo()
	nRepo := newFakeNotificationRepo()
	producer := &fakeProducer{}
	svc := newTestService(t, jobRepo, nRepo, &fakeGuard{}, producer)

	created, err := svc.Create(t.Context(), domain.Job{
		ServiceID: 1,
		Channel:   domain.ChannelSMS,
		Template:  domain.Template{ID: 1, Version: 1},
	}, testRows(5))
	require.NoError(t, err)

	// 模拟处理到第 2 行后崩溃，被清扫标记成 ERROR
	j, _ := jobRepo.GetByID(t.Context(), created.ID)
	j.Status = domain.JobStatusError
	jobRepo.jobs[created.ID] = j
	nRepo.lastRow = 2

	require.NoError(t, svc.HandleResume(t.Context(), task.Task{Name: task.NameResumeJob, JobID: created.ID}))

	// 只补第 3、4 两行
	assert.Len(t, nRepo.notifications, 2)
	got, _ := jobRepo.GetByID(t.Context(), created.ID)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
}

func TestRowNotificationIDDeterministic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, rowNotificationID(7, 3), rowNotificationID(7, 3))
	assert.NotEqual(t, rowNotificationID(7, 3), rowNotificationID(7, 4))
	assert.NotEqual(t, rowNotificationID(7, 3), rowNotificationID(8, 3))
}

func TestResumeDoesNotDuplicateProcessedRows(t *testing.T) {
	t.Parallel()
	jobRepo := newFakeJobRepo()
	nRepo := newFakeNotificationRepo()
	producer := &fakeProducer{}
	svc := newTestService(t, jobRepo, nRepo, &fakeGuard{}, producer)

	created, err := svc.Create(t.Context(), domain.Job{
		ServiceID: 1,
		Channel:   domain.ChannelSMS,
		Template:  domain.Template{ID: 1, Version: 1},
	}, testRows(3))
	require.NoError(t, err)
	require.NoError(t, svc.HandleProcess(t.Context(), task.Task{Name: task.NameProcessJob, JobID: created.ID}))
	require.Len(t, nRepo.notifications, 3)
	tasksAfterProcess := len(producer.tasks)

	// 任务被误标为 ERROR 且断点落后于真实进度：续传重放第 1、2 行。
	// 行号派生出的 ID 不变，重放撞主键冲突，既不重复落库也不重复入队
	j, _ := jobRepo.GetByID(t.Context(), created.ID)
	j.Status = domain.JobStatusError
	jobRepo.jobs[created.ID] = j
	nRepo.lastRow = 0

	require.NoError(t, svc.HandleResume(t.Context(), task.Task{Name: task.NameResumeJob, JobID: created.ID}))

	assert.Len(t, nRepo.notifications, 3)
	assert.Len(t, producer.tasks, tasksAfterProcess)
	_, err = nRepo.GetByID(t.Context(), rowNotificationID(created.ID, 1))
	require.NoError(t, err)
	got, _ := jobRepo.GetByID(t.Context(), created.ID)
	assert.Equal(t, domain.JobStatusFinished, got.Status)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	jobRepo := newFakeJobRepo()
	nRepo := newFakeNotificationRepo()
	producer := &fakeProducer{}
	svc := newTestService(t, jobRepo, nRepo, &fakeGuard{}, producer)

	created, err := svc.Create(t.Context(), domain.Job{
		ServiceID: 1,
		Channel:   domain.ChannelSMS,
		Template:  domain.Template{ID: 1, Version: 1},
	}, testRows(1))
	require.NoError(t, err)

	cancelled, err := svc.Cancel(t.Context(), created.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// 已取消的任务不能再被捡起
	require.NoError(t, svc.HandleProcess(t.Context(), task.Task{Name: task.NameProcessJob, JobID: created.ID}))
	assert.Empty(t, nRepo.notifications)
}
