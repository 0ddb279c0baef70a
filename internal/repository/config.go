package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/repository/dao"

	ca "github.com/patrickmn/go-cache"
)

const (
	configCacheTTL      = 30 * time.Second
	configCacheCleanup  = time.Minute
	serviceKeyPattern   = "service:%d"
	senderKeyPattern    = "sender:%d:%d"
	senderDefaultFormat = "sender:default:%d"
	templateKeyPattern  = "template:%d:%d"
)

// ConfigRepository 投递链路的只读配置仓储。
// 配置读取在每次提交的热路径上，本地缓存短 TTL 兜住数据库
type ConfigRepository interface {
	GetService(ctx context.Context, id int64) (domain.ServiceConfig, error)
	// GetSMSSender senderID 为 0 时返回服务默认发送方
	GetSMSSender(ctx context.Context, serviceID, senderID int64) (domain.SMSSender, error)
	GetTemplate(ctx context.Context, id, version int64) (domain.TemplateSnapshot, error)
}

type configRepository struct {
	dao   dao.ConfigDAO
	cache *ca.Cache
}

// NewConfigRepository 创建配置仓储实例
func NewConfigRepository(d dao.ConfigDAO) ConfigRepository {
	return &configRepository{
		dao:   d,
		cache: ca.New(configCacheTTL, configCacheCleanup),
	}
}

func (r *configRepository) GetService(ctx context.Context, id int64) (domain.ServiceConfig, error) {
	key := fmt.Sprintf(serviceKeyPattern, id)
	if v, ok := r.cache.Get(key); ok {
		return v.(domain.ServiceConfig), nil
	}
	entity, err := r.dao.GetServiceByID(ctx, id)
	if err != nil {
		return domain.ServiceConfig{}, err
	}
	svc := r.toServiceDomain(entity)
	r.cache.SetDefault(key, svc)
	return svc, nil
}

func (r *configRepository) GetSMSSender(ctx context.Context, serviceID, senderID int64) (domain.SMSSender, error) {
	var key string
	if senderID == 0 {
		key = fmt.Sprintf(senderDefaultFormat, serviceID)
	} else {
		key = fmt.Sprintf(senderKeyPattern, serviceID, senderID)
	}
	if v, ok := r.cache.Get(key); ok {
		return v.(domain.SMSSender), nil
	}

	var entity dao.SMSSender
	var err error
	if senderID == 0 {
		entity, err = r.dao.GetDefaultSMSSender(ctx, serviceID)
	} else {
		entity, err = r.dao.GetSMSSenderByID(ctx, serviceID, senderID)
	}
	if err != nil {
		return domain.SMSSender{}, err
	}
	sender := domain.SMSSender{
		ID:                entity.ID,
		ServiceID:         entity.ServiceID,
		Number:            entity.Number,
		IsDefault:         entity.IsDefault,
		RateLimit:         entity.RateLimit,
		RateLimitInterval: entity.RateLimitInterval,
	}
	r.cache.SetDefault(key, sender)
	return sender, nil
}

func (r *configRepository) GetTemplate(ctx context.Context, id, version int64) (domain.TemplateSnapshot, error) {
	key := fmt.Sprintf(templateKeyPattern, id, version)
	if v, ok := r.cache.Get(key); ok {
		return v.(domain.TemplateSnapshot), nil
	}
	entity, err := r.dao.GetTemplate(ctx, id, version)
	if err != nil {
		return domain.TemplateSnapshot{}, err
	}
	tmpl := domain.TemplateSnapshot{
		ID:      entity.ID,
		Version: entity.Version,
		Channel: domain.Channel(entity.Channel),
		Subject: entity.Subject,
		Content: entity.Content,
	}
	// 模板快照不可变，缓存不过期
	r.cache.Set(key, tmpl, ca.NoExpiration)
	return tmpl, nil
}

func (r *configRepository) toServiceDomain(entity dao.Service) domain.ServiceConfig {
	var allowed []string
	if entity.AllowedRecipients != "" {
		_ = json.Unmarshal([]byte(entity.AllowedRecipients), &allowed)
	}
	return domain.ServiceConfig{
		ID:                entity.ID,
		Name:              entity.Name,
		MessageLimit:      entity.MessageLimit,
		ResearchMode:      entity.ResearchMode,
		Restricted:        entity.Restricted,
		AllowedRecipients: allowed,
		Active:            entity.Active,
	}
}
