package task

import "time"

// 队列名。路由器决定一条通知落在哪个队列，
// 每个队列由独立的消费组拉取，互相隔离
const (
	QueueSendSMS          = "send-sms-tasks"
	QueueSendThrottledSMS = "send-throttled-sms-tasks"
	QueueSendEmail        = "send-email-tasks"
	QueueSendLetter       = "send-letter-tasks"
	QueueResearchMode     = "research-mode-tasks"
	QueueRetry            = "retry-tasks"
	QueueJobs             = "job-tasks"
)

// 任务名。消费侧按名字查注册表分发，
// 未注册的名字会被拒绝而不是吞掉
const (
	NameDeliverSMS          = "deliver_sms"
	NameDeliverThrottledSMS = "deliver_throttled_sms"
	NameDeliverEmail        = "deliver_email"
	NameDeliverLetter       = "deliver_letter"
	NameProcessJob          = "process_job"
	NameResumeJob           = "process_incomplete_job"
)

// Task 队列任务信封。投递语义是至少一次，
// 处理器必须自己保证幂等
type Task struct {
	Name           string `json:"name"`
	NotificationID string `json:"notificationId,omitempty"`
	JobID          uint64 `json:"jobId,omitempty"`
	// Attempt 从 0 开始的重试次数，重试入队时加一
	Attempt int32 `json:"attempt"`
	// NotBefore 毫秒时间戳，0 表示立刻可执行。
	// 重试退避靠它而不是靠消费端阻塞
	NotBefore  int64 `json:"notBefore,omitempty"`
	EnqueuedAt int64 `json:"enqueuedAt"`
}

// Ready 是否已经到了可执行时间
func (t Task) Ready(now time.Time) bool {
	return t.NotBefore <= 0 || now.UnixMilli() >= t.NotBefore
}
