package ioc

import (
	"context"
	"errors"
	"time"

	"gitee.com/flycash/notify-dispatch/internal/domain"
	"gitee.com/flycash/notify-dispatch/internal/errs"
	receiptevt "gitee.com/flycash/notify-dispatch/internal/event/receipt"
	"gitee.com/flycash/notify-dispatch/internal/event/task"
	"gitee.com/flycash/notify-dispatch/internal/pkg/idempotent"
	"gitee.com/flycash/notify-dispatch/internal/pkg/idgen"
	"gitee.com/flycash/notify-dispatch/internal/pkg/loopjob"
	"gitee.com/flycash/notify-dispatch/internal/pkg/ratelimit"
	retrypkg "gitee.com/flycash/notify-dispatch/internal/pkg/retry"
	"gitee.com/flycash/notify-dispatch/internal/repository"
	rediscache "gitee.com/flycash/notify-dispatch/internal/repository/cache/redis"
	"gitee.com/flycash/notify-dispatch/internal/repository/dao"
	"gitee.com/flycash/notify-dispatch/internal/service/dispatch"
	jobsvc "gitee.com/flycash/notify-dispatch/internal/service/job"
	"gitee.com/flycash/notify-dispatch/internal/service/normalizer"
	"gitee.com/flycash/notify-dispatch/internal/service/provider"
	receiptsvc "gitee.com/flycash/notify-dispatch/internal/service/receipt"
	"gitee.com/flycash/notify-dispatch/internal/service/router"
	"gitee.com/flycash/notify-dispatch/internal/service/sendlimit"
	"gitee.com/flycash/notify-dispatch/internal/service/sweeper"
	"gitee.com/flycash/notify-dispatch/internal/service/worker"

	"github.com/ecodeclub/mq-api"
	"github.com/gotomicro/ego/core/econf"
	"github.com/gotomicro/ego/task/ecron"
	"github.com/meoying/dlock-go"
	"github.com/redis/go-redis/v9"
)

// App 把投递链路的所有常驻组件装配到一起。
// StartTasks 之后消费循环和清扫循环在后台运行，直到 ctx 取消
type App struct {
	Dispatch dispatch.Service
	Jobs     *jobsvc.Service

	Crons []ecron.Ecron

	consumers       []*task.Consumer
	retryConsumer   *task.RetryConsumer
	receiptConsumer *receiptevt.EventConsumer
	sweepLoop       *loopjob.InfiniteLoop
	pollLoop        *loopjob.InfiniteLoop
}

func (a *App) StartTasks(ctx context.Context) {
	for _, c := range a.consumers {
		c.Start(ctx)
	}
	a.retryConsumer.Start(ctx)
	a.receiptConsumer.Start(ctx)
	go a.sweepLoop.Run(ctx)
	go a.pollLoop.Run(ctx)
}

func InitApp() *App {
	db := InitDB()
	rdb := InitRedisClient()
	dclient := InitDistributedLock(rdb)
	q := InitMQ()
	producer := InitTaskProducer(q)

	notificationRepo := repository.NewNotificationRepository(dao.NewNotificationDAO(db))
	jobRepo := repository.NewJobRepository(dao.NewJobDAO(db), dao.NewJobRowDAO(db))
	configRepo := repository.NewConfigRepository(dao.NewConfigDAO(db))

	guard := sendlimit.NewGuardService(configRepo, rediscache.NewDailyCountCache(rdb))
	routerSvc := router.NewService(configRepo)

	processor := receiptsvc.NewProcessor(notificationRepo)

	var retryCfg retrypkg.Config
	if err := econf.UnmarshalKey("retry", &retryCfg); err != nil {
		panic(err)
	}

	newSubmitter := func(client provider.Client) *worker.Submitter {
		return worker.NewSubmitter(worker.SubmitterConfig{
			Client:     client,
			Repo:       notificationRepo,
			ConfigRepo: configRepo,
			Guard:      guard,
			Producer:   producer,
			RetryCfg:   retryCfg,
		})
	}

	letterClient := InitLetterClient()

	smsSubmitter := newSubmitter(InitSMSProvider())
	emailSubmitter := newSubmitter(InitEmailProvider())
	letterSubmitter := newSubmitter(InitLetterProvider(letterClient))
	simSMS := newSubmitter(InitSimulatedProvider(domain.ChannelSMS, processor))
	simEmail := newSubmitter(InitSimulatedProvider(domain.ChannelEmail, processor))
	simLetter := newSubmitter(InitSimulatedProvider(domain.ChannelLetter, processor))

	// 限速变体共用一个滑动窗口限流器，窗口和速率来自发送方配置
	limiter := ratelimit.NewRedisSlidingWindowLimiter(rdb, time.Second, 1)
	throttled := worker.NewThrottledSubmitter(smsSubmitter, notificationRepo, configRepo, limiter, producer)

	jobs := jobsvc.NewService(jobRepo, notificationRepo, guard, routerSvc, producer, idgen.NewGenerator())

	registry := task.NewRegistry()
	registry.Register(task.NameDeliverSMS, simAware(routerSvc, notificationRepo, smsSubmitter, simSMS))
	registry.Register(task.NameDeliverThrottledSMS, throttled.Handle)
	registry.Register(task.NameDeliverEmail, simAware(routerSvc, notificationRepo, emailSubmitter, simEmail))
	registry.Register(task.NameDeliverLetter, simAware(routerSvc, notificationRepo, letterSubmitter, simLetter))
	registry.Register(task.NameProcessJob, jobs.HandleProcess)
	registry.Register(task.NameResumeJob, jobs.HandleResume)

	consumers := make([]*task.Consumer, 0, 6)
	for _, queue := range []string{
		task.QueueSendSMS,
		task.QueueSendThrottledSMS,
		task.QueueSendEmail,
		task.QueueSendLetter,
		task.QueueResearchMode,
		task.QueueJobs,
	} {
		consumers = append(consumers, task.NewConsumer(queue, newQueueConsumer(q, queue), registry))
	}
	retryConsumer := task.NewRetryConsumer(newQueueConsumer(q, task.QueueRetry), registry)

	normalizers := normalizer.NewRegistry(
		normalizer.NewAliyunNormalizer(),
		normalizer.NewTencentNormalizer(),
	)
	receiptConsumer, err := receiptevt.NewEventConsumer(processor, normalizers,
		InitReceiptKafkaConsumer(), initReceiptDedup(rdb))
	if err != nil {
		panic(err)
	}

	sweepLoop := initSweepLoop(dclient, notificationRepo, jobRepo, routerSvc, producer)
	pollLoop := initPollLoop(dclient, notificationRepo, processor, letterClient)

	return &App{
		Dispatch:        dispatch.NewService(notificationRepo, configRepo, guard, routerSvc, producer),
		Jobs:            jobs,
		Crons:           initCrons(letterClient, processor),
		consumers:       consumers,
		retryConsumer:   retryConsumer,
		receiptConsumer: receiptConsumer,
		sweepLoop:       sweepLoop,
		pollLoop:        pollLoop,
	}
}

// 回执去重过滤器没配置就不启用，幂等仍由处理器的状态条件保证
func initReceiptDedup(rdb *redis.Client) idempotent.Service {
	type Config struct {
		Filter    string  `yaml:"filter"`
		Capacity  int64   `yaml:"capacity"`
		ErrorRate float64 `yaml:"errorRate"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("receiptDedup", &cfg); err != nil || cfg.Filter == "" {
		return nil
	}
	svc := idempotent.NewBloomService(rdb, cfg.Filter, cfg.Capacity, cfg.ErrorRate)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := svc.EnsureFilter(ctx); err != nil {
		panic(err)
	}
	return svc
}

// 信件供应商只有拉取接口，回执靠轮询，全集群同样只跑一个实例
func initPollLoop(
	dclient dlock.Client,
	notificationRepo repository.NotificationRepository,
	processor *receiptsvc.Processor,
	source receiptsvc.StatusSource,
) *loopjob.InfiniteLoop {
	type Config struct {
		Interval  time.Duration `yaml:"interval"`
		MinAge    time.Duration `yaml:"minAge"`
		BatchSize int           `yaml:"batchSize"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("receiptPoll", &cfg); err != nil {
		panic(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}

	poller := receiptsvc.NewPoller(notificationRepo, processor, source, cfg.MinAge, cfg.BatchSize)
	biz := func(ctx context.Context) error {
		err := poller.Poll(ctx)
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Interval):
		}
		return err
	}
	return loopjob.NewInfiniteLoopWithInterval(dclient, biz, "notify-dispatch:receipt-poller", cfg.Interval)
}

func initCrons(fetcher receiptsvc.ReportFetcher, processor *receiptsvc.Processor) []ecron.Ecron {
	letterReport := receiptsvc.NewLetterReportCron(fetcher, processor)
	return []ecron.Ecron{
		ecron.Load("cron.letterReport").Build(ecron.WithJob(letterReport.Do)),
	}
}

// simAware 投递任务可能被重新入队后丢失原始队列信息，
// 处理前重新做一次路由决策，保证研究模式的通知永远不会触达真实供应商
func simAware(
	routerSvc router.Service,
	repo repository.NotificationRepository,
	real, sim *worker.Submitter,
) task.Handler {
	return func(ctx context.Context, t task.Task) error {
		n, err := repo.GetByID(ctx, t.NotificationID)
		if err != nil {
			if errors.Is(err, errs.ErrNotificationNotFound) {
				return nil
			}
			return err
		}
		route, err := routerSvc.Route(ctx, n)
		if err != nil {
			return err
		}
		if route.Simulated {
			return sim.Handle(ctx, t)
		}
		return real.Handle(ctx, t)
	}
}

func newQueueConsumer(q mq.MQ, queue string) mq.Consumer {
	const groupID = "notify-dispatch"
	consumer, err := q.Consumer(queue, groupID)
	if err != nil {
		panic(err)
	}
	return consumer
}

// 清扫循环全集群只跑一个实例，靠分布式锁抢占
func initSweepLoop(
	dclient dlock.Client,
	notificationRepo repository.NotificationRepository,
	jobRepo repository.JobRepository,
	routerSvc router.Service,
	producer task.Producer,
) *loopjob.InfiniteLoop {
	type Config struct {
		Interval       time.Duration `yaml:"interval"`
		StuckJobAge    time.Duration `yaml:"stuckJobAge"`
		SendingTimeout time.Duration `yaml:"sendingTimeout"`
		ReplayAge      time.Duration `yaml:"replayAge"`
		BatchSize      int           `yaml:"batchSize"`
	}
	var cfg Config
	if err := econf.UnmarshalKey("sweeper", &cfg); err != nil {
		panic(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	s := sweeper.NewSweeper(notificationRepo, jobRepo, routerSvc, producer, sweeper.Config{
		StuckJobAge:    cfg.StuckJobAge,
		SendingTimeout: cfg.SendingTimeout,
		ReplayAge:      cfg.ReplayAge,
		BatchSize:      cfg.BatchSize,
	})
	biz := func(ctx context.Context) error {
		err := s.Sweep(ctx)
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Interval):
		}
		return err
	}
	return loopjob.NewInfiniteLoopWithInterval(dclient, biz, "notify-dispatch:sweeper", cfg.Interval)
}
