// Copyright 2026 AIRelay Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供路由服务测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。所有测试应优先使用此包
中的工具函数和 Mock 实现。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertMessagesEqual / AssertToolCallsEqual / AssertJSONEqual /
    AssertNoError / AssertError / AssertContains 等
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON / CopyMessages / CopyToolCalls，
    简化测试数据构造与切片复制（CopyToolCalls 为深拷贝，CopyMessages 为浅拷贝）
  - 流式辅助: CollectStreamChunks / CollectStreamContent /
    SendChunksToChannel，用于 LLM 流式响应测试
  - 基准辅助: BenchmarkHelper 封装 testing.B 常用操作

# 子包

  - testutil/mocks: Mock 实现，核心是 MockProvider（可配置身份、能力、
    优先级、健康状态、错误注入与延迟的 llm.Provider 替身），
    支持 Builder 模式
  - testutil/fixtures: 测试数据工厂，提供预置 ChatResponse、
    StreamChunk 与 Token 用量（ChatUsage）样例

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewMockProvider("p1").WithResponse("hello")
	resp, err := provider.Completion(ctx, req)
	testutil.AssertNoError(t, err)
*/
package testutil
