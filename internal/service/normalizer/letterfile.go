package normalizer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/service/provider/letter"

	"github.com/hashicorp/go-multierror"
)

// 信件对账文件：打印供应商每日回传一个竖线分隔的文本文件，
// 每行 reference|status|page_count|cost_threshold。
// 状态语义与状态查询接口一致，映射在 letter 包里
const letterFieldCount = 4

// 分拣档位决定邮资档，供应商只应回传这两个值
const (
	CostThresholdSorted   = "sorted"
	CostThresholdUnsorted = "unsorted"
)

// LetterFileSummary 整份文件的分拣档位统计。
// Unknown 里出现任何值都要上报人工核对计费
type LetterFileSummary struct {
	Sorted   int
	Unsorted int
	Unknown  map[string]int
}

func (s *LetterFileSummary) tally(threshold string) {
	switch threshold {
	case CostThresholdSorted:
		s.Sorted++
	case CostThresholdUnsorted:
		s.Unsorted++
	default:
		if s.Unknown == nil {
			s.Unknown = make(map[string]int)
		}
		s.Unknown[threshold]++
	}
}

// ParseLetterFile 解析整份对账文件。坏行跳过并聚合成 multierror 返回，
// 好行照常产出，一行坏数据不能废掉整份文件
func ParseLetterFile(r io.Reader) ([]domain.DeliveryReceipt, LetterFileSummary, error) {
	var (
		receipts []domain.DeliveryReceipt
		summary  LetterFileSummary
		errSet   *multierror.Error
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		receipt, err := parseLetterLine(line)
		if err != nil {
			errSet = multierror.Append(errSet, fmt.Errorf("第 %d 行: %w", lineNo, err))
			continue
		}
		summary.tally(receipt.CostThreshold)
		receipts = append(receipts, receipt)
	}
	if err := scanner.Err(); err != nil {
		errSet = multierror.Append(errSet, err)
	}
	return receipts, summary, errSet.ErrorOrNil()
}

func parseLetterLine(line string) (domain.DeliveryReceipt, error) {
	fields := strings.Split(line, "|")
	if len(fields) != letterFieldCount {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: 字段数 %d", errs.ErrMalformedReceiptLine, len(fields))
	}

	reference := strings.TrimSpace(fields[0])
	if reference == "" {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: reference 为空", errs.ErrMalformedReceiptLine)
	}

	pageCount, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 32)
	if err != nil || pageCount < 0 {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: page_count %q", errs.ErrMalformedReceiptLine, fields[2])
	}

	receipt := letter.ReceiptFromStatus(reference, strings.TrimSpace(fields[1]), int32(pageCount))
	// 档位大小写不稳定，归一后再统计；未知值不废行，留给统计上报
	receipt.CostThreshold = strings.ToLower(strings.TrimSpace(fields[3]))
	return receipt, nil
}
