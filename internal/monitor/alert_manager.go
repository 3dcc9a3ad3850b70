package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/events"
	"github.com/t77yq/qa-queue/internal/model"
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(ctx context.Context, alert *model.Alert) error
}

// AlertManager manages alert rules and turns health snapshots into alerts
type AlertManager struct {
	logger    *zap.Logger
	publisher events.Publisher
	now       func() time.Time

	mu        sync.Mutex
	rules     map[string]*model.AlertRule
	active    map[string]*model.Alert // by rule ID
	lastCrash time.Time
	channels  map[string]NotificationChannel
}

// NewAlertManager creates a new alert manager
func NewAlertManager(publisher events.Publisher, logger *zap.Logger) *AlertManager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &AlertManager{
		logger:    logger.Named("alert-manager"),
		publisher: publisher,
		now:       time.Now,
		rules:     make(map[string]*model.AlertRule),
		active:    make(map[string]*model.Alert),
		channels:  make(map[string]NotificationChannel),
	}
}

// DefaultRules returns the rules installed at startup
func DefaultRules(diskThreshold, memoryThreshold float64) []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "Worker heartbeat stale", Type: model.AlertTypeWorkerStale, Severity: model.AlertSeverityError},
		{Name: "Run crashed", Type: model.AlertTypeRunCrashed, Severity: model.AlertSeverityWarning},
		{Name: "Disk usage high", Type: model.AlertTypeDiskUsage, Threshold: diskThreshold, Severity: model.AlertSeverityWarning},
		{Name: "Memory usage high", Type: model.AlertTypeMemoryUsage, Threshold: memoryThreshold, Severity: model.AlertSeverityWarning},
	}
}

// AddChannel registers a notification channel under name
func (m *AlertManager) AddChannel(name string, channel NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	copied := *rule
	return &copied, nil
}

// ListRules returns all rules ordered by creation time
func (m *AlertManager) ListRules() []*model.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := make([]*model.AlertRule, 0, len(m.rules))
	for _, rule := range m.rules {
		copied := *rule
		rules = append(rules, &copied)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rule
	m.rules[rule.ID] = &copied
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = m.now()
	copied := *rule
	m.rules[rule.ID] = &copied
	return nil
}

// DeleteRule deletes an alert rule and drops its active alert
func (m *AlertManager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(m.rules, id)
	delete(m.active, id)
	return nil
}

// ActiveAlerts returns the unresolved alerts
func (m *AlertManager) ActiveAlerts() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	alerts := make([]*model.Alert, 0, len(m.active))
	for _, alert := range m.active {
		copied := *alert
		alerts = append(alerts, &copied)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	return alerts
}

// Evaluate applies every rule to the snapshot. A breached rule fires once
// until it clears; run crashes fire once per crash.
func (m *AlertManager) Evaluate(ctx context.Context, snapshot model.HealthSnapshot) {
	var fired, resolved []*model.Alert

	m.mu.Lock()
	crash := snapshot.Worker.LastCrash
	newCrash := crash != nil && crash.At.After(m.lastCrash)
	if newCrash {
		m.lastCrash = crash.At
	}

	for _, rule := range m.rules {
		if rule.Type == model.AlertTypeRunCrashed {
			if newCrash && !rule.Silenced {
				fired = append(fired, m.newAlert(rule,
					fmt.Sprintf("Run %s crashed: %s", crash.RunID, crash.Reason),
					map[string]interface{}{"run_id": crash.RunID, "reason": crash.Reason}))
			}
			continue
		}

		breached, message, data := breach(rule, snapshot)
		active, isActive := m.active[rule.ID]
		switch {
		case breached && !isActive && !rule.Silenced:
			alert := m.newAlert(rule, message, data)
			m.active[rule.ID] = alert
			fired = append(fired, alert)
		case !breached && isActive:
			resolvedAt := m.now()
			active.ResolvedAt = &resolvedAt
			delete(m.active, rule.ID)
			resolved = append(resolved, active)
		}
	}

	channels := make([]NotificationChannel, 0, len(m.channels))
	for _, channel := range m.channels {
		channels = append(channels, channel)
	}
	m.mu.Unlock()

	for _, alert := range fired {
		m.logger.Warn("Alert created",
			zap.String("id", alert.ID),
			zap.String("rule_id", alert.RuleID),
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.String("message", alert.Message))
		m.publish(ctx, alert)
		for _, channel := range channels {
			if err := channel.Send(ctx, alert); err != nil {
				m.logger.Error("Failed to send alert notification",
					zap.String("id", alert.ID),
					zap.Error(err))
			}
		}
	}

	for _, alert := range resolved {
		m.logger.Info("Alert resolved",
			zap.String("id", alert.ID),
			zap.String("type", string(alert.Type)))
		m.publish(ctx, alert)
	}
}

func (m *AlertManager) newAlert(rule *model.AlertRule, message string, data map[string]interface{}) *model.Alert {
	return &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: m.now(),
	}
}

func (m *AlertManager) publish(ctx context.Context, alert *model.Alert) {
	if err := m.publisher.Publish(ctx, events.AlertSubject(string(alert.Type)), alert); err != nil {
		m.logger.Warn("Failed to publish alert",
			zap.String("id", alert.ID),
			zap.Error(err))
	}
}

func breach(rule *model.AlertRule, snapshot model.HealthSnapshot) (bool, string, map[string]interface{}) {
	switch rule.Type {
	case model.AlertTypeWorkerStale:
		if snapshot.Heartbeat.OK {
			return false, "", nil
		}
		return true,
			fmt.Sprintf("Worker heartbeat stale for %.0fs", snapshot.Heartbeat.StaleSeconds),
			map[string]interface{}{"status": string(snapshot.Worker.Status), "stale_seconds": snapshot.Heartbeat.StaleSeconds}
	case model.AlertTypeDiskUsage:
		if snapshot.Disk.UsedPercent < rule.Threshold {
			return false, "", nil
		}
		return true,
			fmt.Sprintf("Disk usage %.1f%% exceeds %.1f%%", snapshot.Disk.UsedPercent, rule.Threshold),
			map[string]interface{}{"used_percent": snapshot.Disk.UsedPercent}
	case model.AlertTypeMemoryUsage:
		if snapshot.Memory.UsedPercent < rule.Threshold {
			return false, "", nil
		}
		return true,
			fmt.Sprintf("Memory usage %.1f%% exceeds %.1f%%", snapshot.Memory.UsedPercent, rule.Threshold),
			map[string]interface{}{"used_percent": snapshot.Memory.UsedPercent}
	}
	return false, "", nil
}

func validateRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeWorkerStale, model.AlertTypeRunCrashed:
	case model.AlertTypeDiskUsage, model.AlertTypeMemoryUsage:
		if rule.Threshold <= 0 || rule.Threshold > 100 {
			return fmt.Errorf("%w: threshold must be in (0, 100]", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	return nil
}
