package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	"gitee.com/flycash/notify-dispatch/internal/repository"
	"gitee.com/flycash/notify-dispatch/internal/service/router"
	"gitee.com/flycash/notify-dispatch/internal/service/sendlimit"

	"github.com/gofrs/uuid"
	"github.com/gotomicro/ego/core/elog"
)

// 手机号按国际格式校验，允许省略加号
var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)

// Service 通知受理入口：校验、限额检查、落库、路由、入队。
// 入队失败不回滚已落库的 CREATED 记录，清扫器会补投
type Service interface {
	// Send 受理一条通知。调用方可以自带 ID 做幂等重试，
	// 重复 ID 直接返回已存在的记录，不会重复入队
	Send(ctx context.Context, n domain.Notification) (domain.Notification, error)
	GetByID(ctx context.Context, id string) (domain.Notification, error)
	GetByReference(ctx context.Context, reference string) (domain.Notification, error)
	// Cancel 取消尚未提交给供应商的通知。
	// 已经进入投递流程的通知不受影响，返回 false
	Cancel(ctx context.Context, id string) (bool, error)
	// Correct 补偿修正：供应商在送达确认之后又上报了退信或投诉。
	// 这是唯一允许离开成功终态的路径
	Correct(ctx context.Context, id string, target domain.SendStatus, reason string) (bool, error)
}

type service struct {
	repo     repository.NotificationRepository
	config   repository.ConfigRepository
	guard    sendlimit.GuardService
	router   router.Service
	producer task.Producer
	logger   *elog.Component
}

func NewService(
	repo repository.NotificationRepository,
	config repository.ConfigRepository,
	guard sendlimit.GuardService,
	routerSvc router.Service,
	producer task.Producer,
) Service {
	return &service{
		repo:     repo,
		config:   config,
		guard:    guard,
		router:   routerSvc,
		producer: producer,
		logger:   elog.DefaultLogger,
	}
}

func (s *service) Send(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return domain.Notification{}, fmt.Errorf("%w: %w", errs.ErrNotificationIDGenFailed, err)
		}
		n.ID = id.String()
	}
	n.Status = domain.SendStatusCreated

	if err := n.Validate(); err != nil {
		return domain.Notification{}, err
	}
	if err := validateRecipient(n.Channel, n.Recipient); err != nil {
		return domain.Notification{}, err
	}

	svcCfg, err := s.config.GetService(ctx, n.ServiceID)
	if err != nil {
		return domain.Notification{}, err
	}
	if !svcCfg.Active {
		return domain.Notification{}, fmt.Errorf("%w: serviceID = %d", errs.ErrServiceInactive, n.ServiceID)
	}
	if !svcCfg.AllowRecipient(n.Recipient, n.KeyType) {
		return domain.Notification{}, fmt.Errorf("%w: serviceID = %d", errs.ErrRecipientNotAllowed, n.ServiceID)
	}

	tmpl, err := s.config.GetTemplate(ctx, n.Template.ID, n.Template.Version)
	if err != nil {
		return domain.Notification{}, err
	}
	if tmpl.Channel != n.Channel {
		return domain.Notification{}, fmt.Errorf("%w: 模板渠道 %s，通知渠道 %s",
			errs.ErrChannelMismatched, tmpl.Channel, n.Channel)
	}

	if err := s.guard.Check(ctx, n.ServiceID, 1); err != nil {
		return domain.Notification{}, err
	}

	created, err := s.repo.Create(ctx, n)
	if err != nil {
		if errors.Is(err, errs.ErrNotificationDuplicate) {
			// 幂等重试：同 ID 的记录已经存在，直接返回
			return s.repo.GetByID(ctx, n.ID)
		}
		return domain.Notification{}, err
	}

	route, err := s.router.Route(ctx, created)
	if err != nil {
		return domain.Notification{}, err
	}
	t := task.Task{
		Name:           route.TaskName,
		NotificationID: created.ID,
	}
	if err := s.producer.Produce(ctx, route.Queue, t); err != nil {
		// 记录已是 CREATED，清扫器会补投，这里不向上抛
		s.logger.Error("通知入队失败，等待补投",
			elog.String("id", created.ID),
			elog.String("queue", route.Queue),
			elog.FieldErr(err))
	}
	return created, nil
}

func (s *service) GetByID(ctx context.Context, id string) (domain.Notification, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) GetByReference(ctx context.Context, reference string) (domain.Notification, error) {
	return s.repo.GetByReference(ctx, reference)
}

func (s *service) Cancel(ctx context.Context, id string) (bool, error) {
	return s.repo.TransitionStatus(ctx, id, domain.SendStatusCancelled, "")
}

func (s *service) Correct(ctx context.Context, id string, target domain.SendStatus, reason string) (bool, error) {
	sources := domain.CorrectionSources(target)
	if len(sources) == 0 {
		return false, fmt.Errorf("%w: %s 不是合法的修正目标", errs.ErrInvalidParameter, target)
	}
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	for _, src := range sources {
		if current.Status != src {
			continue
		}
		ok, err := s.repo.CASStatus(ctx, id, src, target, reason)
		if err != nil {
			return false, err
		}
		if ok {
			s.logger.Info("已按供应商补报修正通知状态",
				elog.String("id", id),
				elog.String("from", string(src)),
				elog.String("to", string(target)))
		}
		return ok, nil
	}
	return false, nil
}

// validateRecipient 按渠道校验收件人格式。
// 信件地址只要求非空，格式由打印供应商兜底
func validateRecipient(channel domain.Channel, recipient string) error {
	switch channel {
	case domain.ChannelSMS:
		if !phonePattern.MatchString(recipient) {
			return fmt.Errorf("%w: %q 不是合法的手机号", errs.ErrInvalidRecipient, recipient)
		}
	case domain.ChannelEmail:
		if _, err := mail.ParseAddress(recipient); err != nil {
			return fmt.Errorf("%w: %q 不是合法的邮箱地址", errs.ErrInvalidRecipient, recipient)
		}
	case domain.ChannelLetter:
		// Validate 已经保证非空
	}
	return nil
}
