package dao

import (
	"context"
	"time"

	"github.com/ego-component/egorm"
)

// JobRowDAO 批量任务行存储。行在任务创建时一次性写入，
// 之后只读：处理和续传都按行号顺序扫
type JobRowDAO interface {
	BatchCreate(ctx context.Context, rows []JobRow) error
	// FindAfter 返回行号严格大于 afterRow 的行，按行号升序
	FindAfter(ctx context.Context, jobID uint64, afterRow int32, limit int) ([]JobRow, error)
}

// JobRow 批量任务行表
type JobRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	JobID     uint64 `gorm:"type:BIGINT UNSIGNED;NOT NULL;uniqueIndex:uk_job_row,priority:1;comment:'所属任务ID'"`
	// ROW_NUMBER 是 MySQL 8 保留字，列名用 row_no
	RowNumber int32 `gorm:"column:row_no;type:INT;NOT NULL;uniqueIndex:uk_job_row,priority:2;comment:'CSV行号，从0开始'"`
	Recipient string `gorm:"type:VARCHAR(512);NOT NULL"`
	// Params 该行的渲染参数，JSON 对象
	Params string `gorm:"type:TEXT"`
	Ctime  int64
}

type jobRowDAO struct {
	db *egorm.Component
}

func NewJobRowDAO(db *egorm.Component) JobRowDAO {
	return &jobRowDAO{db: db}
}

func (d *jobRowDAO) BatchCreate(ctx context.Context, rows []JobRow) error {
	if len(rows) == 0 {
		return nil
	}
	const batchSize = 500
	now := time.Now().UnixMilli()
	for i := range rows {
		rows[i].Ctime = now
	}
	return d.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error
}

func (d *jobRowDAO) FindAfter(ctx context.Context, jobID uint64, afterRow int32, limit int) ([]JobRow, error) {
	var rows []JobRow
	err := d.db.WithContext(ctx).
		Where("job_id = ? AND row_no > ?", jobID, afterRow).
		Order("row_no ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
