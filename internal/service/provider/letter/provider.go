package letter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"

	"github.com/gofrs/uuid"
	"github.com/gotomicro/ego/client/ehttp"
)

const Name = "print-vendor"

// 供应商回报的状态只有 Sent 算送达，其余一律按临时失败处理，
// 等下一次状态查询或次日对账文件给出结论
const (
	StatusSent = "Sent"

	costPerPageMillicents = 30
)

// ReceiptFromStatus 把供应商回报的信件状态转成归一化回执
func ReceiptFromStatus(reference, status string, pageCount int32) domain.DeliveryReceipt {
	receipt := domain.DeliveryReceipt{
		Provider:       Name,
		Reference:      reference,
		RawStatus:      status,
		PageCount:      pageCount,
		SegmentsCount:  pageCount,
		CostMillicents: int64(pageCount) * costPerPageMillicents,
	}
	if status == StatusSent {
		receipt.Status = domain.SendStatusDelivered
	} else {
		receipt.Status = domain.SendStatusTemporaryFailure
		receipt.StatusReason = domain.ReasonUndeliverable
	}
	return receipt
}

// Client 信件打印供应商客户端。回执关联标识由本端生成，
// 供应商在对账文件里按它回报投递结果
type Client struct {
	http *ehttp.Component
}

func NewClient(http *ehttp.Component) *Client {
	return &Client{http: http}
}

type printRequest struct {
	Reference string            `json:"reference"`
	Address   string            `json:"address"`
	Subject   string            `json:"subject"`
	Content   string            `json:"content"`
	Params    map[string]string `json:"params,omitempty"`
}

type printResponse struct {
	Reference string `json:"reference"`
	PageCount int32  `json:"pageCount"`
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) Channel() domain.Channel {
	return domain.ChannelLetter
}

func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	reference, err := uuid.NewV4()
	if err != nil {
		return provider.SubmitResult{}, fmt.Errorf("%w: %w", errs.ErrSendNotificationFailed, err)
	}

	var result printResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(printRequest{
			Reference: reference.String(),
			Address:   req.Notification.Recipient,
			Subject:   req.Template.Subject,
			Content:   req.Template.Content,
			Params:    req.Notification.Template.Params,
		}).
		SetResult(&result).
		Post("/v1/letters")
	if err != nil {
		return provider.SubmitResult{}, fmt.Errorf("%w: %w", errs.ErrSendNotificationFailed, err)
	}

	switch {
	case resp.StatusCode() == http.StatusBadRequest:
		// 地址或内容被供应商拒绝，重试不可能成功
		return provider.SubmitResult{}, provider.NewPermanentError(domain.ReasonUndeliverable,
			fmt.Errorf("status=%d body=%s", resp.StatusCode(), resp.String()))
	case resp.StatusCode() >= http.StatusMultipleChoices:
		return provider.SubmitResult{}, fmt.Errorf("%w: status=%d", errs.ErrSendNotificationFailed, resp.StatusCode())
	}

	return provider.SubmitResult{
		Reference:     reference.String(),
		SegmentsCount: result.PageCount,
	}, nil
}

type letterStatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	PageCount int32  `json:"pageCount"`
}

// Provider 轮询用的供应商名
func (c *Client) Provider() string {
	return Name
}

// QueryStatus 主动查询一封信的投递状态。
// 供应商只提供拉取接口，没有回调
func (c *Client) QueryStatus(ctx context.Context, reference string) (domain.DeliveryReceipt, bool, error) {
	var result letterStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v1/letters/%s", reference))
	if err != nil {
		return domain.DeliveryReceipt{}, false, fmt.Errorf("%w: %w", errs.ErrQueryReceiptFailed, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		// 供应商侧还没登记，下一轮再来
		return domain.DeliveryReceipt{}, false, nil
	case resp.StatusCode() >= http.StatusMultipleChoices:
		return domain.DeliveryReceipt{}, false,
			fmt.Errorf("%w: status=%d", errs.ErrQueryReceiptFailed, resp.StatusCode())
	}
	return ReceiptFromStatus(result.Reference, result.Status, result.PageCount), true, nil
}

// FetchReport 拉取指定日期的对账文件，调用方负责关闭
func (c *Client) FetchReport(ctx context.Context, day time.Time) (io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(fmt.Sprintf("/v1/reports/%s", day.UTC().Format("2006-01-02")))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrQueryReceiptFailed, err)
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		_ = resp.RawBody().Close()
		return nil, fmt.Errorf("%w: status=%d", errs.ErrQueryReceiptFailed, resp.StatusCode())
	}
	return resp.RawBody(), nil
}
