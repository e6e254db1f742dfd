package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则。Condition 返回 true 时触发，返回 false 时自动解除同名告警
type AlertRule struct {
	ID        string
	Name      string
	Condition func() bool
	Level     AlertLevel
	Component string
	Message   string
	Cooldown  time.Duration
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts        map[string]*Alert // rule ID -> 最近一次告警
	rules         []AlertRule
	lastTriggered map[string]time.Time
	receivers     []AlertReceiver
	logger        *zap.Logger
	now           func() time.Time
	mu            sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		alerts:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
		logger:        logger,
		now:           time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// GetActiveAlerts 获取未解除的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查全部告警规则
func (am *AlertManager) CheckRules() {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	for _, rule := range rules {
		if rule.Condition() {
			am.trigger(rule)
		} else {
			am.resolve(rule.ID)
		}
	}
}

func (am *AlertManager) trigger(rule AlertRule) {
	now := am.now()

	am.mu.Lock()
	if existing, ok := am.alerts[rule.ID]; ok && !existing.Resolved {
		am.mu.Unlock()
		return
	}
	if last, ok := am.lastTriggered[rule.ID]; ok && now.Sub(last) < rule.Cooldown {
		am.mu.Unlock()
		return
	}
	alert := &Alert{
		ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
		Title:     rule.Name,
		Message:   rule.Message,
		Level:     rule.Level,
		Component: rule.Component,
		Timestamp: now,
	}
	am.alerts[rule.ID] = alert
	am.lastTriggered[rule.ID] = now
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	// 在锁外发送，SMTP 可能较慢
	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

func (am *AlertManager) resolve(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, ok := am.alerts[ruleID]; ok && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now
		am.logger.Info("Alert resolved", zap.String("alert_id", alert.ID))
	}
}

// Run 按固定间隔检查规则，直到 ctx 取消
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// StoreHealthRule 存储不可用告警
func StoreHealthRule(health func() error) AlertRule {
	return AlertRule{
		ID:   "store_health",
		Name: "Store Unavailable",
		Condition: func() bool {
			return health() != nil
		},
		Level:     AlertLevelCritical,
		Component: "storage",
		Message:   "License store health check failed",
		Cooldown:  time.Minute,
	}
}

// ValidationFailureRule 验证失败比例告警。
// 每次检查比较两次采样之间的增量，样本数不足 minSamples 时不触发。
func ValidationFailureRule(validations *prometheus.CounterVec, threshold float64, minSamples int) AlertRule {
	var (
		mu        sync.Mutex
		lastTotal float64
		lastFail  float64
	)

	return AlertRule{
		ID:   "validation_failure_ratio",
		Name: "High Validation Failure Ratio",
		Condition: func() bool {
			total, failed := sumValidations(validations)

			mu.Lock()
			dTotal, dFail := total-lastTotal, failed-lastFail
			lastTotal, lastFail = total, failed
			mu.Unlock()

			if dTotal < float64(minSamples) || dTotal <= 0 {
				return false
			}
			return dFail/dTotal > threshold
		},
		Level:     AlertLevelWarning,
		Component: "license",
		Message:   fmt.Sprintf("Validation failure ratio exceeds %.0f%%", threshold*100),
		Cooldown:  5 * time.Minute,
	}
}

// sumValidations 汇总验证计数：总数与失败数
func sumValidations(vec *prometheus.CounterVec) (total, failed float64) {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()

	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil || pb.Counter == nil {
			continue
		}
		v := pb.Counter.GetValue()
		total += v
		for _, l := range pb.Label {
			if l.GetName() == "result" && l.GetValue() != "valid" {
				failed += v
			}
		}
	}
	return total, failed
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// MailAlertReceiver 通过 SMTP 发送告警邮件
type MailAlertReceiver struct {
	addr string
	from string
	to   []string
	send func(addr, from string, to []string, msg []byte) error
}

// NewMailAlertReceiver 创建邮件告警接收器
//
// 参数:
//   - addr: SMTP 服务器地址（host:port）
//   - from: 发件人
//   - to: 收件人列表
func NewMailAlertReceiver(addr, from string, to []string) *MailAlertReceiver {
	return &MailAlertReceiver{
		addr: addr,
		from: from,
		to:   to,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, bytes.NewReader(msg))
		},
	}
}

// SendAlert 发送告警邮件
func (mar *MailAlertReceiver) SendAlert(alert *Alert) error {
	if len(mar.to) == 0 {
		return nil
	}
	if err := mar.send(mar.addr, mar.from, mar.to, mar.buildMessage(alert)); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}
	return nil
}

func (mar *MailAlertReceiver) buildMessage(alert *Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", mar.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(mar.to, ", "))
	fmt.Fprintf(&b, "Subject: [keyauth][%s] %s\r\n", alert.Level, alert.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", alert.Timestamp.Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\ncomponent: %s\r\ntime: %s\r\n",
		alert.Message, alert.Component, alert.Timestamp.Format(time.RFC3339))
	return []byte(b.String())
}
