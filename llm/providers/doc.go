// Copyright 2026 AIRelay Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 providers 提供跨模型服务商的通用适配与辅助能力，是所有具体 Provider
实现的公共基础层。各服务商子包（anthropic、openai、openaicompat）依赖本包
完成请求/响应转换、错误映射与共享的路由面实现。

# 核心类型

  - Base — 所有适配器共享的身份/能力/限流/健康备忘实现（嵌入使用）
  - Identity / RateLimits — 路由身份与每分钟请求/Token 预算
  - BaseProviderConfig — 所有 Provider 共享的基础配置（APIKey、BaseURL、Model、Timeout、能力、优先级）
  - OpenAICompat* 系列 — OpenAI 兼容 API 的通用请求/响应/工具调用结构体
  - RetryableProvider — 带指数退避重试的 Provider 包装器

# 核心函数

  - MapHTTPError — 将 HTTP 状态码映射为语义化的 llm.Error（含 Retryable 标记）
  - ConvertMessagesToOpenAI / ConvertToolsToOpenAI / ConvertToolChoiceToOpenAI —
    统一消息、工具与 tool_choice 格式转换
  - ToLLMChatResponse — OpenAI 兼容响应到 llm.ChatResponse 的转换
  - ChooseModel — 按优先级选择模型（请求 > 默认 > 兜底）

# 支持能力

  - 统一错误语义映射（401/403/429/5xx/529 等）
  - 指数退避重试（Completion 与 Stream 连接阶段）
  - 每 Provider 请求/Token 限流（超限快速失败，归类为 TEMPORARY）
  - 准入检查 CanHandleWith（启用 + 凭证 + 能力匹配 + Token 余量）
*/
package providers
