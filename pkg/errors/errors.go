// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到（房間、會話）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeMalformed 無法解碼的訊息
	ErrCodeMalformed = "MALFORMED_MESSAGE"
	// ErrCodeFrameTooLarge 訊息框超過上限
	ErrCodeFrameTooLarge = "FRAME_TOO_LARGE"
	// ErrCodeDisconnected 連線中斷
	ErrCodeDisconnected = "DISCONNECTED"
	// ErrCodeForbidden 無權限操作
	ErrCodeForbidden = "FORBIDDEN"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回附帶詳細資訊的副本（預定義錯誤不會被修改）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrMatchNotFound 房間不存在
	ErrMatchNotFound = New(ErrCodeNotFound, "match not found")

	// ErrSessionNotFound 會話不存在
	ErrSessionNotFound = New(ErrCodeNotFound, "session not found")

	// ErrMalformedMessage 訊息格式錯誤
	ErrMalformedMessage = New(ErrCodeMalformed, "malformed message")

	// ErrFrameTooLarge 訊息框過大
	ErrFrameTooLarge = New(ErrCodeFrameTooLarge, "frame exceeds maximum size")

	// ErrDisconnected 對端已斷線
	ErrDisconnected = New(ErrCodeDisconnected, "connection closed")

	// ErrNotOwner 非房主操作
	ErrNotOwner = New(ErrCodeForbidden, "only the match owner may do this")

	// ErrCoordinatorStopped 協調器已停止
	ErrCoordinatorStopped = New(ErrCodeUnavailable, "coordinator stopped")

	// ErrQueueFull 佇列已滿
	ErrQueueFull = New(ErrCodeUnavailable, "queue full")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsMalformed 檢查是否為解碼錯誤
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed)
}

// IsDisconnected 檢查是否為斷線錯誤
func IsDisconnected(err error) bool {
	return hasCode(err, ErrCodeDisconnected)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
