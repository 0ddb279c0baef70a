package sms

import (
	"context"
	"fmt"
	"strings"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"
	"gitee.com/flycash/notify-dispatch/internal/service/provider/sms/client"
)

// 供应商返回的永久拒绝状态码。这些码表示重试不可能成功，
// 通知直接进永久失败而不再排队
var permanentCodes = map[string]string{
	"isv.MOBILE_NUMBER_ILLEGAL":                       domain.ReasonInvalidNumber,
	"isv.BLACK_KEY_CONTROL_LIMIT":                     domain.ReasonBlocked,
	"InvalidParameterValue.IncorrectPhoneNumber":      domain.ReasonInvalidNumber,
	"FailedOperation.InsufficientBalanceInSmsPackage": domain.ReasonUndeliverable,
}

type smsClient struct {
	name   string
	client client.Client
}

// NewClient 把底层短信客户端包装成供应商客户端，
// 负责状态码到失败类别的归类
func NewClient(name string, c client.Client) provider.Client {
	return &smsClient{name: name, client: c}
}

func (p *smsClient) Name() string {
	return p.name
}

func (p *smsClient) Channel() domain.Channel {
	return domain.ChannelSMS
}

func (p *smsClient) Submit(_ context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	resp, err := p.client.Send(client.SendReq{
		PhoneNumber: req.Notification.Recipient,
		SignName:    req.SenderNumber,
		// 短信模板内容在供应商侧托管，快照里存的是供应商模板编码
		TemplateID:    req.Template.Content,
		TemplateParam: req.Notification.Template.Params,
	})
	if err != nil {
		return provider.SubmitResult{}, fmt.Errorf("%w: %w", errs.ErrSendNotificationFailed, err)
	}

	if resp.Code != client.OK {
		if reason, ok := p.permanentReason(resp.Code); ok {
			return provider.SubmitResult{}, provider.NewPermanentError(reason,
				fmt.Errorf("code=%s message=%s", resp.Code, resp.Message))
		}
		return provider.SubmitResult{}, fmt.Errorf("%w: code=%s message=%s",
			errs.ErrSendNotificationFailed, resp.Code, resp.Message)
	}

	reference := resp.SerialNo
	if reference == "" {
		reference = resp.RequestID
	}
	return provider.SubmitResult{Reference: reference}, nil
}

func (p *smsClient) permanentReason(code string) (string, bool) {
	if reason, ok := permanentCodes[code]; ok {
		return reason, true
	}
	// 所有参数类错误都是永久的，重试改变不了请求内容
	if strings.HasPrefix(code, "isv.INVALID") || strings.HasPrefix(code, "InvalidParameter") {
		return domain.ReasonUndeliverable, true
	}
	return "", false
}
