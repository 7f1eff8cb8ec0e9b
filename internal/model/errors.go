package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 输入校验失败（边界拒绝，不落库）。
	ErrValidation = errors.New("validation failed")
	// ErrConflict 同一房源的并发更新冲突。
	ErrConflict = errors.New("concurrent update conflict")
	// ErrIntegrity 程序契约被破坏（自引用重复边、非法状态迁移等）。
	ErrIntegrity = errors.New("integrity violation")
	// ErrInvalidTransition 状态机中不存在的迁移。
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrIntegrity)
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("not found")
	// ErrImmutable 变更账本记录不可修改或删除。
	ErrImmutable = errors.New("change records are append-only")
)

// ValidationError 描述被拒绝的字段及原因。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DependencyError wraps a collaborator failure that survived all retries.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }
