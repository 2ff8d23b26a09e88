package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const traceIDKey contextKey = "traceID"

// TraceHeader 是跨服务传递 Trace ID 的 HTTP 头
const TraceHeader = "X-Trace-ID"

// NewTraceID 生成一个随机的、唯一的 Trace ID
// 用于追踪单个请求从 API 入口到台账落库的完整生命周期
func NewTraceID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// 在极少数情况下，如果随机数生成失败，返回一个固定的错误字符串
		return "failed-to-generate-trace-id"
	}
	return hex.EncodeToString(bytes)
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中，并返回一个新的 Context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}

// ContextFromRequest 从 HTTP 请求头读取 Trace ID，缺失时生成新的
// 返回携带 Trace ID 的 Context，供 API 层统一调用
func ContextFromRequest(r *http.Request) context.Context {
	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = NewTraceID()
	}
	return ContextWithTraceID(r.Context(), traceID)
}
