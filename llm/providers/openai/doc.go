// Copyright 2026 AIRelay Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 openai 提供 OpenAI 模型的 Provider 适配实现。该包在 openaicompat
基础上扩展：套用 OpenAI 的端点、默认模型、能力集与 Organization 请求头。

# 核心结构体

  - OpenAIProvider — 嵌入 openaicompat.Provider，注入 OpenAI 专属配置

# 支持能力

  - Chat Completions（/v1/chat/completions，委托 openaicompat）
  - 流式输出（SSE，委托 openaicompat）
  - 原生 Function Calling / Tool Use
  - Vision（image_url 多模态输入）
  - Organization header 支持
  - RewriterChain 请求改写链
  - CredentialOverride 运行时凭证覆盖
*/
package openai
