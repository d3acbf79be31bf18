// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 FetchFlow 服务端程序入口。

# 概述

cmd/fetchflow 是 FetchFlow 的可执行入口,提供 gRPC 任务调度服务、
运维 HTTP 端点、历史库迁移、健康检查和版本查询等子命令。程序支持
YAML 配置文件加载、环境变量覆盖、结构化日志 (zap) 与日志级别热更新。

# 核心类型

  - Server — serve 子命令的聚合根,管理 gRPC 与运维 HTTP 双端口及优雅关闭

# 主要能力

  - 子命令:serve (启动服务)、migrate (历史库迁移)、version、health
  - 装配顺序:配置 → 日志 → 遥测 → 指标 → 历史库 → 引擎注册表 →
    代理源 → 调度器 → 工作池 → gRPC 服务器 → 运维服务器 → 配置监听
  - 运维端点:独立端口暴露 /metrics (Prometheus)、/healthz、/version
  - 优雅关闭:信号监听 → 停止配置监听 → 关闭 gRPC → 关闭运维 HTTP →
    清空工作池 → 刷净历史缓冲 → 关闭引擎 → 上报遥测
  - 构建注入:Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
