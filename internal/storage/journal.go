package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	alog "atworker/internal/logger"
	"atworker/pkg/domain"
)

// RoutingRecord 一条工作者事件记录
type RoutingRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Type       string `gorm:"size:32;index"`
	Worker     string `gorm:"size:36;index"`
	Target     string `gorm:"size:64"`
	URL        string
	Method     string `gorm:"size:16"`
	Decision   string `gorm:"size:32"`
	Error      string
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

// Journal 基于 SQLite 的事件日志
type Journal struct {
	db  *gorm.DB
	log alog.Logger
}

// Open 打开（必要时创建）事件日志库并迁移表结构
func Open(dsn, tablePrefix string, l alog.Logger) (*Journal, error) {
	if l == nil {
		l = alog.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: tablePrefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&RoutingRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, log: l}, nil
}

// Record 写入一条事件
func (j *Journal) Record(ctx context.Context, evt domain.Event) error {
	ts := time.Now()
	if evt.Timestamp != 0 {
		ts = time.UnixMilli(evt.Timestamp)
	}
	rec := RoutingRecord{
		ID:         uuid.NewString(),
		Type:       string(evt.Type),
		Worker:     string(evt.Worker),
		Target:     string(evt.Target),
		URL:        evt.URL,
		Method:     evt.Method,
		Decision:   string(evt.Decision),
		Error:      evt.Error,
		DurationMS: evt.DurationMS,
		CreatedAt:  ts,
	}
	return j.db.WithContext(ctx).Create(&rec).Error
}

// Recent 按时间倒序返回最近的记录，typ 为空时不过滤
func (j *Journal) Recent(ctx context.Context, typ domain.EventType, limit int) ([]RoutingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := j.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if typ != "" {
		q = q.Where("type = ?", string(typ))
	}
	var out []RoutingRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Drain 持续把事件写入日志，直到 events 关闭或 ctx 结束。写入失败只记录日志
func (j *Journal) Drain(ctx context.Context, events <-chan domain.Event, observers ...func(domain.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			for _, fn := range observers {
				fn(evt)
			}
			if err := j.Record(ctx, evt); err != nil {
				j.log.Warn("写入事件日志失败", "type", string(evt.Type), "error", err)
			}
		}
	}
}

// Close 关闭底层连接
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
