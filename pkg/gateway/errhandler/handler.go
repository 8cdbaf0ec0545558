package errhandler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
)

// ErrorType 错误类型
type ErrorType int

const (
	// ErrorTypeFatal 致命错误（配置缺失、凭证失效，重试无意义）
	ErrorTypeFatal ErrorType = iota
	// ErrorTypeRecoverable 可恢复错误（本回合失败，会话继续可用）
	ErrorTypeRecoverable
	// ErrorTypeTransient 临时错误（超时、网络抖动）
	ErrorTypeTransient
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeFatal:
		return "fatal"
	case ErrorTypeTransient:
		return "transient"
	default:
		return "recoverable"
	}
}

// 下发给设备的稳定错误码
const (
	CodeMissingPipeline = "missing-pipeline"
	CodeNoResponse      = "no-response"
	CodeProcessingError = "processing-error"
	CodeForwardFailed   = "forward-failed"
	CodeTimeout         = "timeout"
	CodeServerError     = "server-error"
	// CodeAborted 回合被设备 abort、同 ID 重连或网关停止中止
	CodeAborted        = "aborted"
	CodeTurnActive     = "turn-active"
	CodeInvalidMessage = "invalid-message"
)

// TurnOutcomeCodes 回合以 error 结束时可能出现的错误码
func TurnOutcomeCodes() []string {
	return []string{
		CodeMissingPipeline, CodeNoResponse, CodeProcessingError,
		CodeForwardFailed, CodeTimeout, CodeServerError, CodeAborted,
	}
}

// RequestCodes 单条消息被拒绝时的错误码，不结束回合
func RequestCodes() []string {
	return []string{CodeTurnActive, CodeInvalidMessage}
}

// Error 统一错误结构
type Error struct {
	Type    ErrorType
	Code    string
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Service, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Service, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 按错误码创建统一错误
func New(code, service, message string, err error) *Error {
	return &Error{
		Type:    typeOf(code),
		Code:    code,
		Service: service,
		Message: message,
		Err:     err,
	}
}

func typeOf(code string) ErrorType {
	switch code {
	case CodeMissingPipeline:
		return ErrorTypeFatal
	case CodeTimeout, CodeForwardFailed:
		return ErrorTypeTransient
	default:
		return ErrorTypeRecoverable
	}
}

// CodeOf 返回错误对应的错误码，非统一错误返回 processing-error
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeProcessingError
}

// Handler 错误处理器
type Handler struct {
	logger *zap.Logger
}

// NewHandler 创建错误处理器
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{logger: logger}
}

// Classify 分类错误
func (h *Handler) Classify(err error, service string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return New(CodeTimeout, service, "backend call timed out", err)
	case errors.Is(err, context.Canceled):
		return New(CodeAborted, service, "turn aborted", err)
	}

	classified := New(CodeProcessingError, service, err.Error(), err)
	if h.IsFatal(err) {
		classified.Type = ErrorTypeFatal
	} else if h.isTransient(err) {
		classified.Type = ErrorTypeTransient
	}
	return classified
}

// IsFatal 判断是否是致命错误
func (h *Handler) IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Type == ErrorTypeFatal
	}

	errMsg := strings.ToLower(err.Error())
	fatalKeywords := []string{
		"quota exceeded",
		"insufficient quota",
		"unauthorized",
		"authentication failed",
		"invalid credentials",
		"api key invalid",
		"incorrect api key",
	}
	for _, keyword := range fatalKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}

// isTransient 判断是否是临时错误
func (h *Handler) isTransient(err error) bool {
	errMsg := strings.ToLower(err.Error())
	transientKeywords := []string{
		"timeout",
		"connection reset",
		"connection refused",
		"network",
		"temporary",
		"too many requests",
	}
	for _, keyword := range transientKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}

// HandleError 分类并按严重程度记录日志
func (h *Handler) HandleError(err error, service string) *Error {
	if err == nil {
		return nil
	}

	classified := h.Classify(err, service)
	fields := []zap.Field{
		zap.String("service", service),
		zap.String("code", classified.Code),
		zap.String("message", classified.Message),
		zap.Error(err),
	}

	switch classified.Type {
	case ErrorTypeFatal:
		h.logger.Error("致命错误", fields...)
	case ErrorTypeRecoverable:
		h.logger.Warn("可恢复错误", fields...)
	case ErrorTypeTransient:
		h.logger.Debug("临时错误", fields...)
	}
	return classified
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
