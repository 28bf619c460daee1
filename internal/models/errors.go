package models

import (
	"errors"
	"fmt"
)

// 错误分类（用 errors.Is 判定类别）
var (
	ErrValidation = errors.New("validation error") // 请求本身不合法
	ErrNotFound   = errors.New("not found")        // 未知纽带
	ErrConflict   = errors.New("conflict")         // 重复纽带 / 非当事方操作
	ErrState      = errors.New("invalid state")    // 状态不允许该操作
	ErrUpstream   = errors.New("upstream error")   // 外部协作方失败
)

// 具体错误（均包裹到对应类别）
var (
	ErrInvalidParties     = fmt.Errorf("%w: seeker and supporter must be different users", ErrValidation)
	ErrSeverityOutOfRange = fmt.Errorf("%w: severity must be between 1 and 10", ErrValidation)
	ErrUnknownPulseType   = fmt.Errorf("%w: unknown pulse type", ErrValidation)
	ErrTetherNotFound     = fmt.Errorf("%w: unknown tether", ErrNotFound)
	ErrDuplicateTether    = fmt.Errorf("%w: active tether already links this pair", ErrConflict)
	ErrNotAParty          = fmt.Errorf("%w: actor is not a party of this tether", ErrConflict)
	ErrTetherTerminated   = fmt.Errorf("%w: tether is terminated", ErrState)
	ErrNoActiveEmergency  = fmt.Errorf("%w: no active emergency to resolve", ErrState)
	// ErrPersistFailed 表示状态已在内存中生效但尚未确认持久化
	ErrPersistFailed = fmt.Errorf("%w: persistence not confirmed", ErrUpstream)
)
