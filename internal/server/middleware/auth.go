package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	pkglog "MendLane/pkg/log"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// apiKeyContextKey is the context key for storing API key
	apiKeyContextKey contextKey = "api_key"
	// apiKeyMaskedContextKey is the context key for storing masked API key
	apiKeyMaskedContextKey contextKey = "api_key_masked"
)

// Auth 返回一个 HTTP 认证中间件
// 提取并记录调用方身份（API Key 脱敏后写入日志与 Context）
//
// 日志输出示例:
//
//	🔓 Operator request from key ml-ops-1*** in 1ms | {"type":"auth","api_key_masked":"ml-ops-1***"}
//
// 注意: 恢复 API 面向内部运维调用，当前仅记录身份，不做拒绝；
// 实际的 Key 校验由边缘网关完成
func Auth(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var apiKey string

			// 提取 Authorization header 或 X-API-Key header
			if tr, ok := transport.FromServerContext(ctx); ok {
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()

					authHeader := httpReq.Header.Get("Authorization")
					if authHeader != "" {
						// 支持 "Bearer {token}" 格式
						apiKey = strings.TrimPrefix(authHeader, "Bearer ")
						apiKey = strings.TrimSpace(apiKey)
					}
					if apiKey == "" {
						apiKey = httpReq.Header.Get("X-API-Key")
					}
				}
			}

			// 如果存在 API Key，记录操作方身份
			if apiKey != "" {
				authDuration := time.Since(startTime).Milliseconds()

				// 脱敏 API Key（仅显示前 8 位）
				maskedKey := maskAPIKey(apiKey)

				logger.Infow(
					"msg", "Operator request from key "+maskedKey+" in "+formatDuration(authDuration),
					"type", "auth",
					"api_key_masked", maskedKey,
					"duration_ms", authDuration,
				)

				// 将 API Key 信息注入上下文（供后续处理使用）
				ctx = context.WithValue(ctx, apiKeyContextKey, apiKey)
				ctx = context.WithValue(ctx, apiKeyMaskedContextKey, maskedKey)
			}

			// 执行后续处理
			return handler(ctx, req)
		}
	}
}

// OperatorKey 从 Context 中提取脱敏后的操作方 Key，用于审计日志
func OperatorKey(ctx context.Context) string {
	if masked, ok := ctx.Value(apiKeyMaskedContextKey).(string); ok {
		return masked
	}
	return ""
}

// maskAPIKey 脱敏 API Key，仅显示前 8 位
// 示例: "ml-ops-1234567890" -> "ml-ops-1***"
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		// 如果 key 太短，全部脱敏
		return strings.Repeat("*", len(key))
	}

	// 显示前 8 位，其余用 *** 代替
	return key[:8] + "***"
}

// formatDuration 格式化持续时间为易读格式
// 示例: 5ms, 150ms, 2.5s
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	seconds := float64(ms) / 1000.0
	return fmt.Sprintf("%.1fs", seconds)
}
