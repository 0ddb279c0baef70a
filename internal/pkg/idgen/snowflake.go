package idgen

import (
	"fmt"
	"os"

	"gitee.com/flycash/notify-dispatch/internal/errs"
	"github.com/sony/sonyflake"
)

// Generator 批量任务 ID 生成器。
// 通知本身用调用方可自带的 UUID 做幂等，批量任务没有这个诉求，
// 用雪花 ID 保证趋势递增方便按 ID 范围清理
type Generator struct {
	sf *sonyflake.Sonyflake
}

func NewGenerator() *Generator {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	if sf == nil {
		// 机器没有私网地址时默认机器号推导失败，构造函数返回 nil。
		// 退化用进程号当机器号，保证单机环境可用
		sf = sonyflake.NewSonyflake(sonyflake.Settings{
			MachineID: func() (uint16, error) {
				return uint16(os.Getpid()), nil
			},
		})
	}
	return &Generator{sf: sf}
}

func (g *Generator) NextID() (uint64, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errs.ErrNotificationIDGenFailed, err)
	}
	return id, nil
}
