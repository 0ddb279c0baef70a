package normalizer

import (
	"fmt"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
)

const ProviderTencent = "tencent"

// 腾讯云短信回执：report_status 只有 SUCCESS/FAIL 两个值，
// 失败时 errmsg 才是真正的失败码
var tencentFailures = map[string]statusMapping{
	"MOBILE_BLACK":      {status: domain.SendStatusPermanentFailure, reason: domain.ReasonBlocked},
	"REJECTD":           {status: domain.SendStatusPermanentFailure, reason: domain.ReasonBlocked},
	"UNDELIV":           {status: domain.SendStatusPermanentFailure, reason: domain.ReasonUndeliverable},
	"MOBILE_NOT_EXIST":  {status: domain.SendStatusPermanentFailure, reason: domain.ReasonInvalidNumber},
	"EXPIRED":           {status: domain.SendStatusTemporaryFailure, reason: domain.ReasonUnreachable},
	"UNKNOWN_ERROR":     {status: domain.SendStatusTemporaryFailure, reason: domain.ReasonUnreachable},
	"MOBILE_SHUTDOWN":   {status: domain.SendStatusTemporaryFailure, reason: domain.ReasonUnreachable},
	"SERVICE_SUSPENDED": {status: domain.SendStatusTemporaryFailure, reason: domain.ReasonUnreachable},
}

type tencentNormalizer struct{}

func NewTencentNormalizer() Normalizer {
	return &tencentNormalizer{}
}

func (n *tencentNormalizer) Provider() string {
	return ProviderTencent
}

func (n *tencentNormalizer) Normalize(raw RawReceipt) (domain.DeliveryReceipt, error) {
	receipt := baseReceipt(ProviderTencent, raw)

	switch raw.Status {
	case "SUCCESS":
		receipt.Status = domain.SendStatusDelivered
		return receipt, nil
	case "FAIL":
		mapping, ok := tencentFailures[raw.ErrorCode]
		if !ok {
			receipt.Status = domain.SendStatusUnknown
			return receipt, fmt.Errorf("%w: tencent errmsg=%q", errs.ErrUnknownProviderStatus, raw.ErrorCode)
		}
		receipt.RawStatus = raw.ErrorCode
		receipt.Status = mapping.status
		receipt.StatusReason = mapping.reason
		return receipt, nil
	default:
		receipt.Status = domain.SendStatusUnknown
		return receipt, fmt.Errorf("%w: tencent report_status=%q", errs.ErrUnknownProviderStatus, raw.Status)
	}
}
