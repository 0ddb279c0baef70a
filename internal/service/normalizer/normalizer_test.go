package normalizer

import (
	"strings"
	"testing"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(NewAliyunNormalizer(), NewTencentNormalizer())

	n, err := registry.Get(ProviderAliyun)
	require.NoError(t, err)
	assert.Equal(t, ProviderAliyun, n.Provider())

	_, err = registry.Get("nonexistent")
	assert.ErrorIs(t, err, errs.ErrUnknownProvider)
}

func TestAliyunNormalize(t *testing.T) {
	t.Parallel()
	n := NewAliyunNormalizer()

	tests := []struct {
		name       string
		raw        RawReceipt
		wantStatus domain.SendStatus
		wantReason string
		wantErr    error
	}{
		{
			name:       "DELIVRD是送达",
			raw:        RawReceipt{Reference: "ref-1", ErrorCode: "DELIVRD"},
			wantStatus: domain.SendStatusDelivered,
		},
		{
			name:       "EXPIRED是临时失败",
			raw:        RawReceipt{Reference: "ref-2", ErrorCode: "EXPIRED"},
			wantStatus: domain.SendStatusTemporaryFailure,
			wantReason: domain.ReasonUnreachable,
		},
		{
			name:       "号码非法是永久失败",
			raw:        RawReceipt{Reference: "ref-3", ErrorCode: "MOBILE_NUMBER_ILLEGAL"},
			wantStatus: domain.SendStatusPermanentFailure,
			wantReason: domain.ReasonInvalidNumber,
		},
		{
			name:       "未知状态码归一为UNKNOWN并报错",
			raw:        RawReceipt{Reference: "ref-4", ErrorCode: "NEVER_SEEN_BEFORE"},
			wantStatus: domain.SendStatusUnknown,
			wantErr:    errs.ErrUnknownProviderStatus,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			receipt, err := n.Normalize(tc.raw)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.wantStatus, receipt.Status)
			assert.Equal(t, tc.wantReason, receipt.StatusReason)
			assert.Equal(t, tc.raw.Reference, receipt.Reference)
		})
	}
}

func TestTencentNormalize(t *testing.T) {
	t.Parallel()
	n := NewTencentNormalizer()

	receipt, err := n.Normalize(RawReceipt{Reference: "ref-1", Status: "SUCCESS"})
	require.NoError(t, err)
	assert.Equal(t, domain.SendStatusDelivered, receipt.Status)

	receipt, err = n.Normalize(RawReceipt{Reference: "ref-2", Status: "FAIL", ErrorCode: "MOBILE_BLACK"})
	require.NoError(t, err)
	assert.Equal(t, domain.SendStatusPermanentFailure, receipt.Status)
	assert.Equal(t, domain.ReasonBlocked, receipt.StatusReason)

	receipt, err = n.Normalize(RawReceipt{Reference: "ref-3", Status: "FAIL", ErrorCode: "WEIRD"})
	assert.ErrorIs(t, err, errs.ErrUnknownProviderStatus)
	assert.Equal(t, domain.SendStatusUnknown, receipt.Status)

	receipt, err = n.Normalize(RawReceipt{Reference: "ref-4", Status: "PENDING?"})
	assert.ErrorIs(t, err, errs.ErrUnknownProviderStatus)
	assert.Equal(t, domain.SendStatusUnknown, receipt.Status)
}

func TestParseLetterFile(t *testing.T) {
	t.Parallel()

	t.Run("正常文件", func(t *testing.T) {
		t.Parallel()
		file := strings.Join([]string{
			"ref-001|Sent|2|Sorted",
			"ref-002|Failed|1|Unsorted",
			"",
			"ref-003|Sent|3|Sorted",
		}, "\n")

		receipts, summary, err := ParseLetterFile(strings.NewReader(file))
		require.NoError(t, err)
		require.Len(t, receipts, 3)

		assert.Equal(t, domain.SendStatusDelivered, receipts[0].Status)
		assert.Equal(t, int32(2), receipts[0].PageCount)
		// 每页 30 千分之一美分
		assert.Equal(t, int64(60), receipts[0].CostMillicents)
		assert.Equal(t, CostThresholdSorted, receipts[0].CostThreshold)

		assert.Equal(t, domain.SendStatusTemporaryFailure, receipts[1].Status)
		assert.Equal(t, domain.ReasonUndeliverable, receipts[1].StatusReason)

		assert.Equal(t, domain.SendStatusDelivered, receipts[2].Status)

		assert.Equal(t, 2, summary.Sorted)
		assert.Equal(t, 1, summary.Unsorted)
		assert.Empty(t, summary.Unknown)
	})

	t.Run("未知分拣档位计入统计", func(t *testing.T) {
		t.Parallel()
		file := strings.Join([]string{
			"ref-001|Sent|2|sorted",
			"ref-002|Sent|1|first class",
			"ref-003|Sent|1|first class",
		}, "\n")

		receipts, summary, err := ParseLetterFile(strings.NewReader(file))
		require.NoError(t, err)
		assert.Len(t, receipts, 3)

		// 未知档位不废行，只进统计等人工核对
		assert.Equal(t, 1, summary.Sorted)
		assert.Equal(t, 0, summary.Unsorted)
		assert.Equal(t, map[string]int{"first class": 2}, summary.Unknown)
	})

	t.Run("坏行跳过且聚合错误", func(t *testing.T) {
		t.Parallel()
		file := strings.Join([]string{
			"ref-001|Sent|2|Sorted",
			"only|three|fields",
			"ref-003|Sent|not-a-number|Sorted",
			"|Sent|1|Sorted",
			"ref-005|Sent|1|Unsorted",
		}, "\n")

		receipts, summary, err := ParseLetterFile(strings.NewReader(file))
		require.Error(t, err)
		assert.Len(t, receipts, 2)
		assert.Equal(t, 1, summary.Sorted)
		assert.Equal(t, 1, summary.Unsorted)

		var merr *multierror.Error
		require.ErrorAs(t, err, &merr)
		assert.Len(t, merr.Errors, 3)
		for _, e := range merr.Errors {
			assert.ErrorIs(t, e, errs.ErrMalformedReceiptLine)
		}
	})

	t.Run("空文件", func(t *testing.T) {
		t.Parallel()
		receipts, summary, err := ParseLetterFile(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, receipts)
		assert.Zero(t, summary.Sorted+summary.Unsorted)
	})
}
