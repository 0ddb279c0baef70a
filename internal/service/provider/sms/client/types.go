package client

import "github.com/pkg/errors"

var (
	ErrInvalidParameter = errors.New("参数非法")
	ErrSendFailed       = errors.New("发送失败")
)

const OK = "OK"

// Client 短信底层客户端，一次发送一个号码
type Client interface {
	Send(req SendReq) (SendResp, error)
}

type SendReq struct {
	PhoneNumber   string
	SignName      string
	TemplateID    string
	TemplateParam map[string]string
}

type SendResp struct {
	// RequestID 供应商请求流水号
	RequestID string
	// SerialNo 供应商回执关联标识，回执按它关联
	SerialNo string
	// Code 供应商业务状态码，OK 表示受理成功
	Code    string
	Message string
}
