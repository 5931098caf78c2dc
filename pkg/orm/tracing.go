package orm

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const tracerName = "callsignal/orm"

// TracingPlugin GORM 链路追踪插件
type TracingPlugin struct {
	withSQL bool // 是否记录完整 SQL
}

// TracingOption 追踪插件选项
type TracingOption func(*TracingPlugin)

// WithSQL 在 span 上记录 SQL 语句
func WithSQL(enable bool) TracingOption {
	return func(p *TracingPlugin) {
		p.withSQL = enable
	}
}

// NewTracingPlugin 创建 GORM 追踪插件
func NewTracingPlugin(opts ...TracingOption) *TracingPlugin {
	p := &TracingPlugin{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 插件名称
func (p *TracingPlugin) Name() string {
	return "callsignal:tracing"
}

// Initialize 注册 create/query/update/delete/row/raw 前后回调
func (p *TracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	type registrar struct {
		op     string
		before func(string, func(*gorm.DB)) error
		after  func(string, func(*gorm.DB)) error
	}
	list := []registrar{
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, r := range list {
		if err := r.before("tracing:before_"+r.op, p.before("gorm."+r.op)); err != nil {
			return fmt.Errorf("register %s: %w", r.op, err)
		}
		if err := r.after("tracing:after_"+r.op, p.after); err != nil {
			return fmt.Errorf("register %s: %w", r.op, err)
		}
	}
	return nil
}

func (p *TracingPlugin) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		// 每次回调时获取 tracer，Provider 晚于插件初始化时也能生效
		ctx, _ = otel.Tracer(tracerName).Start(ctx, operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("db.system", db.Dialector.Name())),
		)
		db.Statement.Context = ctx
	}
}

func (p *TracingPlugin) after(db *gorm.DB) {
	span := trace.SpanFromContext(db.Statement.Context)
	if !span.IsRecording() {
		return
	}
	defer span.End()

	if p.withSQL {
		span.SetAttributes(attribute.String("db.statement", db.Statement.SQL.String()))
	}
	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.table", db.Statement.Table))
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		span.RecordError(db.Error)
		span.SetStatus(codes.Error, db.Error.Error())
	}
}
