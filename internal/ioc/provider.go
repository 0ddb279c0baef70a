package ioc

import (
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"
	"gitee.com/flycash/notify-dispatch/internal/service/provider/email"
	"gitee.com/flycash/notify-dispatch/internal/service/provider/letter"
	providermetrics "gitee.com/flycash/notify-dispatch/internal/service/provider/metrics"
	"gitee.com/flycash/notify-dispatch/internal/service/provider/simulated"
	"gitee.com/flycash/notify-dispatch/internal/service/provider/sms"
	smsclient "gitee.com/flycash/notify-dispatch/internal/service/provider/sms/client"
	providertracing "gitee.com/flycash/notify-dispatch/internal/service/provider/tracing"

	"github.com/gotomicro/ego/client/ehttp"
	"github.com/gotomicro/ego/core/econf"
)

func InitAliyunSMSClient() smsclient.Client {
	type Config struct {
		RegionID        string `yaml:"regionId"`
		AccessKeyID     string `yaml:"accessKeyId"`
		AccessKeySecret string `yaml:"accessKeySecret"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("sms.aliyun", &cfg); err != nil {
		panic(err)
	}
	cli, err := smsclient.NewAliyunSMS(cfg.RegionID, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		panic(err)
	}
	return cli
}

func InitTencentSMSClient() smsclient.Client {
	type Config struct {
		RegionID  string `yaml:"regionId"`
		SecretID  string `yaml:"secretId"`
		SecretKey string `yaml:"secretKey"`
		AppID     string `yaml:"appId"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("sms.tencent", &cfg); err != nil {
		panic(err)
	}
	cli, err := smsclient.NewTencentCloudSMS(cfg.RegionID, cfg.SecretID, cfg.SecretKey, cfg.AppID)
	if err != nil {
		panic(err)
	}
	return cli
}

// InitSMSProvider 按配置选用短信供应商
func InitSMSProvider() provider.Client {
	name := econf.GetString("sms.active")
	var cli smsclient.Client
	switch name {
	case "tencent":
		cli = InitTencentSMSClient()
	default:
		name = "aliyun"
		cli = InitAliyunSMSClient()
	}
	return decorate(sms.NewClient(name, cli))
}

func InitEmailProvider() provider.Client {
	type Config struct {
		Addr     string `yaml:"addr"`
		From     string `yaml:"from"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Host     string `yaml:"host"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("email", &cfg); err != nil {
		panic(err)
	}
	return decorate(email.NewClient(cfg.Addr, cfg.From, cfg.Username, cfg.Password, cfg.Host))
}

// InitLetterClient 裸的信件客户端。回执轮询和对账文件拉取
// 直接用它，投递链路用 InitLetterProvider 装饰后的版本
func InitLetterClient() *letter.Client {
	return letter.NewClient(ehttp.Load("letter.client").Build())
}

func InitLetterProvider(c *letter.Client) provider.Client {
	return decorate(c)
}

// InitSimulatedProvider 研究模式和测试 Key 的模拟供应商。
// sink 装配时接回执处理器，让模拟投递也走完整状态闭环
func InitSimulatedProvider(channel domain.Channel, sink simulated.ReceiptSink) provider.Client {
	const deliverDelay = 500 * time.Millisecond
	return decorate(simulated.NewClient(channel, sink, deliverDelay))
}

func decorate(c provider.Client) provider.Client {
	return providermetrics.NewClient(providertracing.NewClient(c))
}
