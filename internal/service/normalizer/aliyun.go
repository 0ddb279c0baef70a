package normalizer

import (
	"fmt"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
)

const ProviderAliyun = "aliyun"

// 阿里云短信回执状态映射。回执以 err_code 区分结果，
// DELIVRD 表示手机侧确认送达
var aliyunStatuses = map[string]statusMapping{
	"DELIVRD":               {status: domain.SendStatusDelivered},
	"EXPIRED":               {status: domain.SendStatusTemporaryFailure, reason: domain.ReasonUnreachable},
	"UNDELIV":               {status: domain.SendStatusPermanentFailure, reason: domain.ReasonUndeliverable},
	"REJECTD":               {status: domain.SendStatusPermanentFailure, reason: domain.ReasonBlocked},
	"MOBILE_NUMBER_ILLEGAL": {status: domain.SendStatusPermanentFailure, reason: domain.ReasonInvalidNumber},
	"MOBILE_NOT_ON_SERVICE": {status: domain.SendStatusTemporaryFailure, reason: domain.ReasonUnreachable},
}

type statusMapping struct {
	status domain.SendStatus
	reason string
}

type aliyunNormalizer struct{}

func NewAliyunNormalizer() Normalizer {
	return &aliyunNormalizer{}
}

func (n *aliyunNormalizer) Provider() string {
	return ProviderAliyun
}

func (n *aliyunNormalizer) Normalize(raw RawReceipt) (domain.DeliveryReceipt, error) {
	receipt := baseReceipt(ProviderAliyun, raw)
	code := raw.ErrorCode
	if code == "" {
		code = raw.Status
	}
	receipt.RawStatus = code

	mapping, ok := aliyunStatuses[code]
	if !ok {
		receipt.Status = domain.SendStatusUnknown
		return receipt, fmt.Errorf("%w: aliyun status=%q", errs.ErrUnknownProviderStatus, code)
	}
	receipt.Status = mapping.status
	receipt.StatusReason = mapping.reason
	return receipt, nil
}
