package client

import (
	"fmt"
	"sort"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	sms "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/sms/v20210111"
)

var _ Client = (*TencentCloudSMS)(nil)

// tencentOK 腾讯云的受理成功状态码，注意大小写和阿里云不同
const tencentOK = "Ok"

// TencentCloudSMS 腾讯云短信实现
type TencentCloudSMS struct {
	client *sms.Client
	appID  string
}

// NewTencentCloudSMS 创建腾讯云短信实例
func NewTencentCloudSMS(region, secretID, secretKey, appID string) (*TencentCloudSMS, error) {
	credential := common.NewCredential(secretID, secretKey)
	client, err := sms.NewClient(credential, region, profile.NewClientProfile())
	if err != nil {
		return nil, err
	}
	return &TencentCloudSMS{client: client, appID: appID}, nil
}

func (t *TencentCloudSMS) Send(req SendReq) (SendResp, error) {
	if req.PhoneNumber == "" {
		return SendResp{}, fmt.Errorf("%w: 手机号码不能为空", ErrInvalidParameter)
	}

	request := sms.NewSendSmsRequest()
	request.PhoneNumberSet = common.StringPtrs([]string{req.PhoneNumber})
	request.SmsSdkAppId = common.StringPtr(t.appID)
	request.SignName = common.StringPtr(req.SignName)
	request.TemplateId = common.StringPtr(req.TemplateID)
	// 腾讯云模板参数按位置而不是按名字，按键名排序保证顺序稳定
	request.TemplateParamSet = common.StringPtrs(t.orderedParams(req.TemplateParam))

	response, err := t.client.SendSms(request)
	if err != nil {
		return SendResp{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if response.Response == nil || len(response.Response.SendStatusSet) == 0 {
		return SendResp{}, fmt.Errorf("%w: 响应异常", ErrSendFailed)
	}

	status := response.Response.SendStatusSet[0]
	resp := SendResp{
		RequestID: strValue(response.Response.RequestId),
		SerialNo:  strValue(status.SerialNo),
		Code:      strValue(status.Code),
		Message:   strValue(status.Message),
	}
	if resp.Code == tencentOK {
		resp.Code = OK
	}
	return resp, nil
}

// SDK 的响应字段全是指针，空指针按空串处理
func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (t *TencentCloudSMS) orderedParams(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, params[k])
	}
	return values
}
