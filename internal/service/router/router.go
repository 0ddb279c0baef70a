package router

import (
	"context"
	"fmt"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	"gitee.com/flycash/notify-dispatch/internal/repository"
)

// Route 一条通知的投递去向
type Route struct {
	Queue    string
	TaskName string
	// Simulated 是否走模拟供应商，不触达真实渠道
	Simulated bool
}

// Service 路由决策。对同一条通知的决策是确定性的：
// 相同的服务配置和通知属性永远得到相同的队列
type Service interface {
	Route(ctx context.Context, n domain.Notification) (Route, error)
}

type service struct {
	configRepo repository.ConfigRepository
}

func NewService(configRepo repository.ConfigRepository) Service {
	return &service{configRepo: configRepo}
}

func (s *service) Route(ctx context.Context, n domain.Notification) (Route, error) {
	svc, err := s.configRepo.GetService(ctx, n.ServiceID)
	if err != nil {
		return Route{}, err
	}
	if !svc.Active {
		return Route{}, fmt.Errorf("%w: 服务 id=%d", errs.ErrServiceInactive, n.ServiceID)
	}

	// 研究模式和测试 Key 都进模拟队列，绝不触达真实供应商
	if svc.ResearchMode || n.KeyType == domain.KeyTypeTest {
		return Route{
			Queue:     task.QueueResearchMode,
			TaskName:  s.taskName(n.Channel),
			Simulated: true,
		}, nil
	}

	if n.Channel == domain.ChannelSMS {
		sender, err := s.configRepo.GetSMSSender(ctx, n.ServiceID, n.SenderID)
		if err != nil {
			return Route{}, err
		}
		if sender.RateLimited() {
			return Route{
				Queue:    task.QueueSendThrottledSMS,
				TaskName: task.NameDeliverThrottledSMS,
			}, nil
		}
	}

	return Route{
		Queue:    s.queue(n.Channel),
		TaskName: s.taskName(n.Channel),
	}, nil
}

func (s *service) queue(channel domain.Channel) string {
	switch channel {
	case domain.ChannelEmail:
		return task.QueueSendEmail
	case domain.ChannelLetter:
		return task.QueueSendLetter
	default:
		return task.QueueSendSMS
	}
}

func (s *service) taskName(channel domain.Channel) string {
	switch channel {
	case domain.ChannelEmail:
		return task.NameDeliverEmail
	case domain.ChannelLetter:
		return task.NameDeliverLetter
	default:
		return task.NameDeliverSMS
	}
}
