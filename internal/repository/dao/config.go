package dao

import (
	"context"
	"errors"
	"fmt"

	"gitee.com/flycash/notify-dispatch/internal/errs"

	"github.com/ego-component/egorm"
	"gorm.io/gorm"
)

// 服务/发送方/模板快照都是投递链路的只读配置，
// 写入方在范围之外，这里只提供查询

type ConfigDAO interface {
	GetServiceByID(ctx context.Context, id int64) (Service, error)
	GetSMSSenderByID(ctx context.Context, serviceID, senderID int64) (SMSSender, error)
	GetDefaultSMSSender(ctx context.Context, serviceID int64) (SMSSender, error)
	GetTemplate(ctx context.Context, id, version int64) (Template, error)
}

// Service 服务配置表
type Service struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"type:VARCHAR(256);NOT NULL"`
	MessageLimit int32  `gorm:"type:INT;NOT NULL;comment:'每日发送上限'"`
	ResearchMode bool   `gorm:"NOT NULL;DEFAULT:false;comment:'研究模式，不碰真实供应商'"`
	Restricted   bool   `gorm:"NOT NULL;DEFAULT:false;comment:'受限服务，只能发白名单'"`
	// AllowedRecipients 白名单，JSON 数组
	AllowedRecipients string `gorm:"type:TEXT"`
	Active            bool   `gorm:"NOT NULL;DEFAULT:true"`
	Ctime             int64
	Utime             int64
}

// SMSSender 短信发送方配置表
type SMSSender struct {
	ID        int64  `gorm:"primaryKey"`
	ServiceID int64  `gorm:"type:BIGINT;NOT NULL;index:idx_service_default,priority:1"`
	Number    string `gorm:"type:VARCHAR(64);NOT NULL;comment:'发送号码/签名'"`
	IsDefault bool   `gorm:"NOT NULL;DEFAULT:false;index:idx_service_default,priority:2"`
	// RateLimit 每 rate_limit_interval 秒允许的条数，0 表示不限速
	RateLimit         int32 `gorm:"type:INT;NOT NULL;DEFAULT:0"`
	RateLimitInterval int32 `gorm:"type:INT;NOT NULL;DEFAULT:60"`
	Ctime             int64
	Utime             int64
}

// Template 模板快照表，(id, version) 唯一定位一份不可变内容
type Template struct {
	ID      int64  `gorm:"primaryKey;autoIncrement:false"`
	Version int64  `gorm:"primaryKey;autoIncrement:false"`
	Channel string `gorm:"type:ENUM('SMS','EMAIL','LETTER');NOT NULL"`
	Subject string `gorm:"type:VARCHAR(1024)"`
	Content string `gorm:"type:TEXT;NOT NULL"`
	Ctime   int64
	Utime   int64
}

type configDAO struct {
	db *egorm.Component
}

func NewConfigDAO(db *egorm.Component) ConfigDAO {
	return &configDAO{db: db}
}

func (d *configDAO) GetServiceByID(ctx context.Context, id int64) (Service, error) {
	var svc Service
	err := d.db.WithContext(ctx).First(&svc, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Service{}, fmt.Errorf("%w: id=%d", errs.ErrServiceNotFound, id)
		}
		return Service{}, err
	}
	return svc, nil
}

func (d *configDAO) GetSMSSenderByID(ctx context.Context, serviceID, senderID int64) (SMSSender, error) {
	var sender SMSSender
	err := d.db.WithContext(ctx).
		Where("id = ? AND service_id = ?", senderID, serviceID).
		First(&sender).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SMSSender{}, fmt.Errorf("%w: 发送方 id=%d", errs.ErrServiceNotFound, senderID)
		}
		return SMSSender{}, err
	}
	return sender, nil
}

func (d *configDAO) GetDefaultSMSSender(ctx context.Context, serviceID int64) (SMSSender, error) {
	var sender SMSSender
	err := d.db.WithContext(ctx).
		Where("service_id = ? AND is_default = ?", serviceID, true).
		First(&sender).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SMSSender{}, fmt.Errorf("%w: 服务 id=%d 没有默认发送方", errs.ErrServiceNotFound, serviceID)
		}
		return SMSSender{}, err
	}
	return sender, nil
}

func (d *configDAO) GetTemplate(ctx context.Context, id, version int64) (Template, error) {
	var tmpl Template
	err := d.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, version).
		First(&tmpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Template{}, fmt.Errorf("%w: id=%d version=%d", errs.ErrTemplateNotFound, id, version)
		}
		return Template{}, err
	}
	return tmpl, nil
}
