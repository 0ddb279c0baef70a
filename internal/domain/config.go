package domain

// ServiceConfig 服务维度配置快照。
// 投递链路在提交时取一次快照，之后视为不可变
type ServiceConfig struct {
	ID           int64
	Name         string
	MessageLimit int32 // 每日发送上限
	ResearchMode bool  // 研究模式：全部走内部模拟队列，不碰真实供应商
	Restricted   bool // 受限服务：即使 normal key 也只能发白名单
	// AllowedRecipients team key 和受限服务允许的收件人白名单
	AllowedRecipients []string
	Active            bool
}

// AllowRecipient 提交前的收件人防御性复查。
// team key 和受限服务只能发给白名单里的人，test key 永远放行（反正不会真发）
func (c *ServiceConfig) AllowRecipient(recipient string, keyType KeyType) bool {
	if keyType == KeyTypeTest {
		return true
	}
	if keyType != KeyTypeTeam && !c.Restricted {
		return true
	}
	for _, r := range c.AllowedRecipients {
		if r == recipient {
			return true
		}
	}
	return false
}

// SMSSender 短信发送方配置
type SMSSender struct {
	ID        int64
	ServiceID int64
	Number    string // 发送号码/签名
	IsDefault bool
	// RateLimit 每 RateLimitInterval 秒允许的条数，0 表示不限速。
	// 带限速的发送方会被路由到限速变体队列
	RateLimit         int32
	RateLimitInterval int32
}

// RateLimited 该发送方是否配置了限速
func (s *SMSSender) RateLimited() bool {
	return s.RateLimit > 0
}

// TemplateSnapshot 模版内容快照，按 (ID, Version) 定位
type TemplateSnapshot struct {
	ID      int64
	Version int64
	Channel Channel
	Subject string
	Content string
}
