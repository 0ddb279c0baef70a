package domain

import "time"

// JobStatus 批量任务状态
type JobStatus string

const (
	JobStatusPending               JobStatus = "PENDING"
	JobStatusInProgress            JobStatus = "IN_PROGRESS"
	JobStatusFinished              JobStatus = "FINISHED"
	JobStatusCancelled             JobStatus = "CANCELLED"
	JobStatusError                 JobStatus = "ERROR" // 超时清扫标记，避免二次清扫重复告警
	JobStatusSendingLimitsExceeded JobStatus = "SENDING_LIMITS_EXCEEDED"
)

func (s JobStatus) String() string {
	return string(s)
}

// jobTransitionSources 任务状态迁移表：目标状态 -> 允许的来源状态
var jobTransitionSources = map[JobStatus][]JobStatus{
	JobStatusInProgress:            {JobStatusPending, JobStatusError},
	JobStatusFinished:              {JobStatusInProgress},
	JobStatusCancelled:             {JobStatusPending},
	JobStatusError:                 {JobStatusInProgress},
	JobStatusSendingLimitsExceeded: {JobStatusPending, JobStatusInProgress},
}

// JobTransitionSources 返回允许迁移到 target 的来源状态列表
func JobTransitionSources(target JobStatus) []JobStatus {
	src := jobTransitionSources[target]
	out := make([]JobStatus, len(src))
	copy(out, src)
	return out
}

// JobRow CSV 里的一行，任务创建时整体落库，
// 处理和续传都从库里按行号顺序读
type JobRow struct {
	JobID     uint64
	RowNumber int32
	Recipient string
	Params    map[string]string
}

// Job 一次 CSV 批量发送任务
type Job struct {
	ID                uint64 // 雪花算法 ID
	ServiceID         int64
	Template          Template
	Channel           Channel
	Status            JobStatus
	NotificationCount int32 // CSV 总行数
	// ProcessingStarted 被 worker 捡起的时间戳，超时检测以它为基准。
	// 零值表示还没有被捡起过
	ProcessingStarted time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
