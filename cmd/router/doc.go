// Copyright (c) AIRelay Authors.
// Licensed under the MIT License.

/*
Package main 提供 AIRelay 路由服务的程序入口。

# 概述

cmd/router 是多 Provider AI 请求路由器的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志（zap）、
Prometheus 指标采集、OpenTelemetry 追踪以及配置热重载。

# 核心类型

  - Server           — 主服务器，装配路由核心并管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 路由核心装配：Provider 注册表 → 路由引擎 → 故障转移管理器 → 响应规整器
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）、
    JWTAuth（可选）、APIKeyAuth（X-API-Key）
  - 配置热重载：HotReloadManager 监听文件变更并回调
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止热更新 → 关闭 HTTP → 关闭 Metrics →
    停止健康监控 → 释放 Provider → 关闭遥测导出
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
