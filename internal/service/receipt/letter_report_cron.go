package receipt

import (
	"context"
	"io"
	"time"

	"github.com/gotomicro/ego/core/elog"
)

// ReportFetcher 拉取供应商按日回传的对账文件
type ReportFetcher interface {
	FetchReport(ctx context.Context, day time.Time) (io.ReadCloser, error)
}

// LetterReportCron 每天拉一次前一日的信件对账文件并摄入。
// 文件按天生成，跑几次结果都一样
type LetterReportCron struct {
	fetcher   ReportFetcher
	processor *Processor
	logger    *elog.Component
}

func NewLetterReportCron(fetcher ReportFetcher, processor *Processor) *LetterReportCron {
	return &LetterReportCron{
		fetcher:   fetcher,
		processor: processor,
		logger:    elog.DefaultLogger,
	}
}

func (t *LetterReportCron) Do(ctx context.Context) error {
	day := time.Now().UTC().AddDate(0, 0, -1)
	body, err := t.fetcher.FetchReport(ctx, day)
	if err != nil {
		t.logger.Error("拉取信件对账文件失败",
			elog.String("day", day.Format("2006-01-02")),
			elog.FieldErr(err))
		return err
	}
	defer body.Close()

	if err := t.processor.IngestLetterFile(ctx, body); err != nil {
		// 坏行聚合错误：好行已经生效，只记告警等次日文件
		t.logger.Warn("对账文件部分行处理失败",
			elog.String("day", day.Format("2006-01-02")),
			elog.FieldErr(err))
		return err
	}
	return nil
}
