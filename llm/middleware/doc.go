// 版权所有 2026 AIRelay Authors. 版权所有。
// 此源代码的使用由项目许可证规范。

/*
包 middleware 提供 LLM 请求改写链，用于在请求发送到上游模型服务之前
进行参数清理与转换。

# 核心接口

  - RequestRewriter：请求改写器接口，包含 Rewrite 与 Name 方法。
  - RewriterChain：改写器链，按顺序执行多个 RequestRewriter。

# 主要能力

  - 请求改写：EmptyToolsCleaner 在 Tools 为空时清除 tool_choice，
    避免上游 API 返回 400。

各 Provider 适配器在构造时装配自己的 RewriterChain，并在 Completion 与
Stream 入口处执行。
*/
package middleware
