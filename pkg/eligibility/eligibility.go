// Package eligibility 通过预约服务校验用户能否加入通话
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/callsignal/pkg/call"
	"github.com/tokmz/callsignal/pkg/logger"
	"github.com/tokmz/callsignal/pkg/request"
)

// 拒绝原因
const (
	ReasonNotActive      = "reservation not active"
	ReasonNotParticipant = "user is not a participant of the reservation"
	ReasonUnavailable    = "reservation service unavailable"
)

// activeStatuses 允许发起通话的预约状态（大写比较）
var activeStatuses = map[string]struct{}{
	"ACEPTADO": {},
	"ACTIVE":   {},
	"ACTIVA":   {},
}

// Result 校验结果
type Result struct {
	Eligible bool
	Reason   string
	Role     call.Role // 通过时为 STUDENT 或 TUTOR
}

// Checker 资格校验
type Checker interface {
	CheckReservation(ctx context.Context, reservationID, userID, token string) Result
}

// Reservation 预约服务返回的记录，兼容驼峰与下划线两种字段名
type Reservation struct {
	Status         string `json:"status"`
	StudentID      any    `json:"studentId"`
	StudentIDSnake any    `json:"student_id"`
	TutorID        any    `json:"tutorId"`
	TutorIDSnake   any    `json:"tutor_id"`
}

// Student 学生 ID
func (r *Reservation) Student() string {
	return firstID(r.StudentID, r.StudentIDSnake)
}

// Tutor 导师 ID
func (r *Reservation) Tutor() string {
	return firstID(r.TutorID, r.TutorIDSnake)
}

// firstID 取第一个非空 ID，数字 ID 按十进制文本比较
func firstID(values ...any) string {
	for _, v := range values {
		switch id := v.(type) {
		case nil:
			continue
		case string:
			if id != "" {
				return id
			}
		case float64:
			return fmt.Sprintf("%.0f", id)
		default:
			return fmt.Sprint(id)
		}
	}
	return ""
}

// Evaluate 根据预约记录判断 userID 是否可加入
func (r *Reservation) Evaluate(userID string) Result {
	if _, ok := activeStatuses[strings.ToUpper(strings.TrimSpace(r.Status))]; !ok {
		return Result{Reason: ReasonNotActive}
	}
	switch userID {
	case "":
	case r.Student():
		return Result{Eligible: true, Role: call.RoleStudent}
	case r.Tutor():
		return Result{Eligible: true, Role: call.RoleTutor}
	}
	return Result{Reason: ReasonNotParticipant}
}

// Config 客户端配置
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	Tracing       bool
	Logger        logger.Logger
	Options       []request.Option // 额外的请求客户端选项
}

// Client 预约服务客户端
type Client struct {
	http  *request.Client
	log   logger.Logger
	group singleflight.Group
}

var (
	bearerPrefix   = regexp.MustCompile(`(?i)^bearer\s+`)
	errUnavailable = errors.New(ReasonUnavailable)
)

// NewClient 创建预约服务客户端
func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []request.Option{
		request.WithBaseURL(cfg.BaseURL),
		request.WithTimeout(cfg.Timeout),
		request.WithHeader("Accept", "application/json"),
		request.WithLogger(log),
		request.WithTracing(cfg.Tracing),
		request.WithInterceptor(request.NewTraceIDInterceptor()),
	}
	if cfg.RetryAttempts > 0 {
		opts = append(opts, request.WithRetry(&request.RetryConfig{MaxAttempts: cfg.RetryAttempts}))
	}
	opts = append(opts, cfg.Options...)

	return &Client{
		http: request.New(opts...),
		log:  log.With(zap.String("component", "eligibility")),
	}
}

// CheckReservation 查询预约并判断用户资格
// 相同 (reservationID, token) 的并发查询合并为一次上游请求
func (c *Client) CheckReservation(ctx context.Context, reservationID, userID, token string) Result {
	token = strings.TrimSpace(bearerPrefix.ReplaceAllString(token, ""))

	v, err, _ := c.group.Do(reservationID+"\x00"+token, func() (any, error) {
		return c.fetch(ctx, reservationID, token)
	})
	if err != nil {
		return Result{Reason: err.Error()}
	}
	return v.(*Reservation).Evaluate(userID)
}

// lookupError 上游返回非 2xx，作为拒绝原因透出
type lookupError struct {
	status  int
	snippet string
}

func (e *lookupError) Error() string {
	return fmt.Sprintf("reservation lookup failed: HTTP %d: %s", e.status, e.snippet)
}

func (c *Client) fetch(ctx context.Context, reservationID, token string) (*Reservation, error) {
	resp, err := c.http.Get("/{id}").
		SetContext(ctx).
		SetPathParam("id", reservationID).
		SetBearerToken(token).
		Do()
	if err != nil {
		c.log.ErrorContext(ctx, "reservation lookup failed",
			zap.String("reservation_id", reservationID), zap.Error(err))
		return nil, errUnavailable
	}
	if !resp.IsSuccess() {
		c.log.WarnContext(ctx, "reservation lookup rejected",
			zap.String("reservation_id", reservationID), zap.Int("status", resp.StatusCode))
		return nil, &lookupError{status: resp.StatusCode, snippet: resp.Snippet(200)}
	}

	var r Reservation
	if err := resp.Unmarshal(&r); err != nil {
		c.log.ErrorContext(ctx, "reservation response undecodable",
			zap.String("reservation_id", reservationID), zap.Error(err))
		return nil, errUnavailable
	}
	return &r, nil
}

// AllowAll 不做校验，eligibility.enabled=false 时使用
type AllowAll struct{}

// CheckReservation 总是通过，角色留空
func (AllowAll) CheckReservation(context.Context, string, string, string) Result {
	return Result{Eligible: true}
}
