// Copyright (c) AIRelay Authors.
// Licensed under the MIT License.

/*
Package types 提供路由服务的全局共享类型定义。

# 概述

types 是项目最底层的公共包，不依赖任何内部包，为 llm、api 等上层模块
提供统一的类型契约。所有跨包共享的接口、结构体、枚举和错误码均定义
于此，以避免循环依赖。

# 核心接口与类型

  - Request           — 路由入站请求（消息、工具、tool_choice 联合、元数据）
  - Message           — 对话消息（Role、Content 或分段 Parts、ToolCalls）
  - ContentPart       — 多模态消息分段（text / image_url）
  - ToolChoice        — tool_choice 联合类型（none/auto/required/{function}）
  - ToolSchema        — 工具定义（name + description + JSON Schema parameters）
  - ToolResult        — 工具执行结果
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - JSONSchema        — JSON Schema 定义与构建器（NewObjectSchema 等）
  - Tokenizer         — 框架级 Token 计数接口（Message / ToolSchema 感知）

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRoles 等
  - 错误工具链：NewError / WithCause / IsRetryable / GetErrorCode
  - 联合类型解码：消息 content 字符串或分段数组、tool_choice 字符串或对象、
    stop 字符串或数组、timeout 时长字符串或毫秒数
  - Token 估算：EstimateTokenizer（中英文字符分别计算）
*/
package types
