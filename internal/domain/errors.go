package domain

import (
	"errors"
	"fmt"
)

// 状态冲突原因（对调用方可见的命名原因）
const (
	ReasonNotStarted     = "session_not_started"
	ReasonAlreadyStarted = "session_already_started"
	ReasonAlreadyEnded   = "session_already_ended"
	ReasonCancelled      = "session_cancelled"
)

// ValidationError 校验错误（命令/事件格式非法，立即拒绝，不重试）
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NewValidationError 创建校验错误
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StateConflictError 状态冲突错误（命令与聚合当前状态不兼容）
type StateConflictError struct {
	Reason    string // session_not_started / session_already_ended / ...
	SessionID string
}

func (e *StateConflictError) Error() string {
	if e.SessionID != "" {
		return e.Reason + ": session_id=" + e.SessionID
	}
	return e.Reason
}

// PersistenceError 持久化错误（存储不可用，调用方携带相同 event_id 重试）
type PersistenceError struct {
	Op  string // "append" / "read"
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + "_failed: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ProjectionError 投影错误（单条消息标记失败等待重投递，不影响其他消息）
type ProjectionError struct {
	Projection string
	EventID    string
	Err        error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection %s failed for event %s: %v", e.Projection, e.EventID, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// IsValidation 是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStateConflict 是否为状态冲突错误
func IsStateConflict(err error) bool {
	var se *StateConflictError
	return errors.As(err, &se)
}

// ConflictReason 提取状态冲突原因（非冲突错误返回空串）
func ConflictReason(err error) string {
	var se *StateConflictError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// IsPersistence 是否为持久化错误
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
