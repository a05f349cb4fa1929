// 版权所有 2024 AIRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、LLM、路由决策、故障转移、熔断器与响应规整六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter 与 Histogram 两类
    Prometheus 指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - LLM 指标：请求总数、请求耗时、Token 用量（prompt/completion）、
    调用成本，按 provider/model 分组。
  - 路由指标：决策计数（按策略标签/Provider 分组）、选路耗时、
    无候选 Provider 计数。
  - 故障转移指标：尝试计数（按 Provider/错误类别分组）、
    尝试预算耗尽计数。
  - 熔断器指标：状态转换计数（provider/from/to）、拒绝计数。
  - 响应规整指标：抽取的工具调用（json/xml 来源）、thinking 块、
    规整失败（按 kind 分组）。
*/
package metrics
