package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/pkg/metrics"
	"gitee.com/flycash/notify-dispatch/internal/repository"
	"gitee.com/flycash/notify-dispatch/internal/service/normalizer"

	"github.com/gotomicro/ego/core/elog"
)

// freshReceiptWindow 回执比通知先到的容忍窗口。
// 窗口内找不到通知时报错让消费端稍后重试，
// 窗口外按孤儿回执丢弃
const freshReceiptWindow = 5 * time.Minute

// 回执允许作用的状态：已提交且还没收到结论
var receiptSources = []domain.SendStatus{
	domain.SendStatusSending,
	domain.SendStatusPending,
}

// Processor 回执处理器。消费归一化回执并推进通知状态，
// 同一条回执处理多少次结果都一样
type Processor struct {
	repo   repository.NotificationRepository
	logger *elog.Component
	now    func() time.Time
}

func NewProcessor(repo repository.NotificationRepository) *Processor {
	return &Processor{
		repo:   repo,
		logger: elog.DefaultLogger,
		now:    time.Now,
	}
}

// Ingest 处理一条归一化回执
func (p *Processor) Ingest(ctx context.Context, receipt domain.DeliveryReceipt) error {
	if receipt.Status == domain.SendStatusUnknown || receipt.Status == "" {
		// 归一器没认出来的状态不允许进状态机
		p.logger.Warn("丢弃未知状态的回执",
			elog.String("provider", receipt.Provider),
			elog.String("reference", receipt.Reference),
			elog.String("rawStatus", receipt.RawStatus))
		return nil
	}

	n, err := p.repo.GetByReference(ctx, receipt.Reference)
	if err != nil {
		if errors.Is(err, errs.ErrAmbiguousReference) {
			// 同一个标识对应多条通知说明数据完整性被破坏，
			// 整体中止，绝不挑一条更新
			metrics.AmbiguousReference.Inc()
			p.logger.Error("供应商标识对应多条通知，中止回执处理",
				elog.String("provider", receipt.Provider),
				elog.String("reference", receipt.Reference))
			return err
		}
		if errors.Is(err, errs.ErrNotificationNotFound) {
			return p.handleOrphan(receipt)
		}
		return err
	}

	updated, err := p.repo.CASStatusWithCost(ctx, n.ID, receiptSources,
		receipt.Status, receipt.StatusReason, receipt.SegmentsCount, receipt.CostMillicents)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}

	// 条件更新没生效，重读判断原因
	current, err := p.repo.GetByID(ctx, n.ID)
	if err != nil {
		return err
	}
	if p.applyCorrection(ctx, current, receipt) {
		return nil
	}
	p.logger.Warn("回执到达时通知已不在可更新状态，按重复更新忽略",
		elog.String("id", current.ID),
		elog.String("currentStatus", string(current.Status)),
		elog.String("receiptStatus", string(receipt.Status)))
	return nil
}

// applyCorrection 补偿迁移：供应商先报送达后报退回时，
// 允许从成功终态修正到失败终态
func (p *Processor) applyCorrection(ctx context.Context, current domain.Notification, receipt domain.DeliveryReceipt) bool {
	for _, src := range domain.CorrectionSources(receipt.Status) {
		if current.Status != src {
			continue
		}
		updated, err := p.repo.CASStatus(ctx, current.ID, current.Status, receipt.Status, receipt.StatusReason)
		if err != nil {
			p.logger.Error("补偿迁移失败",
				elog.String("id", current.ID),
				elog.FieldErr(err))
			return true
		}
		if updated {
			p.logger.Info("供应商修正了此前的投递结论",
				elog.String("id", current.ID),
				elog.String("from", string(current.Status)),
				elog.String("to", string(receipt.Status)))
		}
		return true
	}
	return false
}

func (p *Processor) handleOrphan(receipt domain.DeliveryReceipt) error {
	age := time.Duration(0)
	if !receipt.ProviderTimestamp.IsZero() {
		age = p.now().Sub(receipt.ProviderTimestamp)
	}
	if age < freshReceiptWindow {
		// 回执可能赶在落库之前到达，报错让消费端重试
		return fmt.Errorf("%w: reference=%s，回执早于通知到达",
			errs.ErrNotificationNotFound, receipt.Reference)
	}
	p.logger.Warn("丢弃找不到通知的孤儿回执",
		elog.String("provider", receipt.Provider),
		elog.String("reference", receipt.Reference))
	return nil
}

// IngestLetterFile 摄入一整份信件对账文件。
// 信件走扇出更新：同一个标识的所有行一起推进，
// 坏行跳过，文件级错误聚合返回
func (p *Processor) IngestLetterFile(ctx context.Context, r io.Reader) error {
	receipts, parseErr := p.parseLetterFile(r)
	for _, receipt := range receipts {
		affected, err := p.repo.UpdateStatusByReference(ctx, receipt.Reference, receipt.Status, receipt.StatusReason)
		if err != nil {
			return err
		}
		if affected == 0 {
			p.logger.Warn("对账文件里的标识没有命中任何通知",
				elog.String("reference", receipt.Reference))
			continue
		}
		p.checkBillableUnits(ctx, receipt)
	}
	return parseErr
}

func (p *Processor) parseLetterFile(r io.Reader) ([]domain.DeliveryReceipt, error) {
	receipts, summary, err := normalizer.ParseLetterFile(r)
	if err != nil {
		p.logger.Warn("对账文件包含坏行", elog.FieldErr(err))
	}
	p.logger.Info("对账文件分拣档位统计",
		elog.Int("sorted", summary.Sorted),
		elog.Int("unsorted", summary.Unsorted))
	if len(summary.Unknown) > 0 {
		// 未知档位对不上邮资档，计费核对走人工
		p.logger.Warn("对账文件出现未知分拣档位",
			elog.Any("values", summary.Unknown))
	}
	return receipts, err
}

// checkBillableUnits 核对供应商回报的页数和提交时记录的页数，
// 不一致只告警，计费修正走人工
func (p *Processor) checkBillableUnits(ctx context.Context, receipt domain.DeliveryReceipt) {
	n, err := p.repo.GetByReference(ctx, receipt.Reference)
	if err != nil {
		return
	}
	if n.SegmentsCount > 0 && n.SegmentsCount != receipt.PageCount {
		p.logger.Warn("对账页数和提交页数不一致",
			elog.String("id", n.ID),
			elog.Int("submitted", int(n.SegmentsCount)),
			elog.Int("reported", int(receipt.PageCount)))
	}
}
