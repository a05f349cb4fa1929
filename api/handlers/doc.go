// Copyright (c) AIRelay Authors.
// Licensed under the MIT License.

/*
Package handlers 提供路由服务 HTTP API 的请求处理器实现。

# 概述

handlers 包实现了所有 HTTP 端点的请求处理逻辑，包括聊天补全（经由
relay.Service 完成分析、选路、故障转移与响应规整）、健康检查以及
统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口，通过
Swagger 注解生成 API 文档。

# 核心类型

  - ChatHandler      — 聊天补全处理器，支持同步与 SSE 流式响应
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（Provider 注册表等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 路由错误翻译：无候选 Provider → 503；尝试耗尽 → 502；
    客户端/永久错误原样透传
  - SSE 流式输出：同一端点按 stream=true 切换，thinking/工具块在
    规整封套事件中交付
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
