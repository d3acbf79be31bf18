// 版权所有 2024 FetchFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖任务调度、
适配器尝试、RPC 边界与历史落库四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 任务指标：终态计数、端到端耗时（含退避等待）、在途数、
    单任务消耗的尝试次数，按 backend 分组。
  - 尝试指标：按结果分类的尝试计数、单次尝试耗时、退避计数、
    上游状态码分类（2xx/3xx/4xx/5xx）、响应体大小。
  - RPC 指标：调用计数与处理耗时，按 method/code 分组。
  - 历史指标：落库成功/失败计数、缓冲满丢弃计数。
*/
package metrics
