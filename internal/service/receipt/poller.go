package receipt

import (
	"context"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/repository"

	"github.com/gotomicro/ego/core/elog"
	"github.com/hashicorp/go-multierror"
)

// StatusSource 只提供拉取接口的供应商实现这个接口
type StatusSource interface {
	Provider() string
	// QueryStatus 查询一条投递的状态，供应商侧尚未登记时 found 为 false
	QueryStatus(ctx context.Context, reference string) (domain.DeliveryReceipt, bool, error)
}

// Poller 回执轮询器：对没有回调的供应商，
// 周期性捞出已提交但还没拿到结论的通知，主动问一遍
type Poller struct {
	repo      repository.NotificationRepository
	processor *Processor
	source    StatusSource
	minAge    time.Duration
	batchSize int
	logger    *elog.Component
}

func NewPoller(repo repository.NotificationRepository, processor *Processor,
	source StatusSource, minAge time.Duration, batchSize int,
) *Poller {
	return &Poller{
		repo:      repo,
		processor: processor,
		source:    source,
		minAge:    minAge,
		batchSize: batchSize,
		logger:    elog.DefaultLogger,
	}
}

// Poll 执行一轮查询。单条失败不中断本轮，错误聚合返回
func (p *Poller) Poll(ctx context.Context) error {
	cutoff := time.Now().Add(-p.minAge)
	notifications, err := p.repo.FindAwaitingReceipt(ctx, p.source.Provider(), cutoff, p.batchSize)
	if err != nil {
		return fmt.Errorf("查找待回执通知失败: %w", err)
	}

	var errSet *multierror.Error
	for _, n := range notifications {
		receipt, found, err := p.source.QueryStatus(ctx, n.Reference)
		if err != nil {
			errSet = multierror.Append(errSet, fmt.Errorf("id=%s: %w", n.ID, err))
			continue
		}
		if !found {
			continue
		}
		if err := p.processor.Ingest(ctx, receipt); err != nil {
			errSet = multierror.Append(errSet, fmt.Errorf("id=%s: %w", n.ID, err))
		}
	}
	return errSet.ErrorOrNil()
}
