package evaluator

import (
	"context"

	"rehab-tracking/internal/models"

	"go.uber.org/zap"
)

// Rule 策略规则：对单个事件评估，产出零个或多个派生事件
// 规则自身无状态，阈值在构造时注入；历史视角通过读模型获取
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, event *models.Event) ([]*models.Event, error)
}

// Evaluator 策略评估器：逐条规则评估，规则间故障隔离
// 派生事件（nudge / alert / 即时反馈）由调用方写回事件日志并重新入流
type Evaluator struct {
	rules  []Rule
	logger *zap.Logger
}

// NewEvaluator 创建策略评估器
func NewEvaluator(logger *zap.Logger, rules ...Rule) *Evaluator {
	return &Evaluator{
		rules:  rules,
		logger: logger,
	}
}

// Evaluate 对单个事件运行全部规则
// 单条规则失败只记日志，不影响其他规则的产出
func (e *Evaluator) Evaluate(ctx context.Context, event *models.Event) []*models.Event {
	// 派生事件不再进入规则，避免反馈回路
	switch event.Kind {
	case models.KindFeedback, models.KindAlert:
		return nil
	}

	var derived []*models.Event
	for _, rule := range e.rules {
		out, err := rule.Evaluate(ctx, event)
		if err != nil {
			e.logger.Error("Policy rule evaluation failed",
				zap.String("rule", rule.Name()),
				zap.String("event_id", event.EventID),
				zap.Error(err))
			continue
		}
		if len(out) > 0 {
			e.logger.Info("Policy rule fired",
				zap.String("rule", rule.Name()),
				zap.String("patient_id", event.SubjectID),
				zap.Int("derived_events", len(out)))
			derived = append(derived, out...)
		}
	}

	return derived
}
