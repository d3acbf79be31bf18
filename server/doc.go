// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

/*
Package server 实现 FetchFlow 的 gRPC 边界。

# 概述

对外暴露 fetchflow.v1.Dispatch 服务:一元 Execute 与服务端流式
ExecuteStream。服务描述符是手写的,信封以 JSON 形式上线
(content-subtype "json",见 internal/wire),不依赖任何 protobuf
生成代码;标准健康检查服务照常注册并置为 SERVING。

# 请求生命周期

每个 RPC 先穿过拦截器链 (恢复 → 日志 → 指标 → 追踪 → 限流 → 认证),
再投入工作池执行完整的调度生命周期。队列饱和立即以 ResourceExhausted
拒绝,不排队等待;任务级失败不会变成 RPC 错误,而是随信封的
error_message 返回。

# 核心类型

  - Service — Dispatch 服务实现,持有调度器、工作池与历史落库
  - Server  — 服务器生命周期:组装拦截器、非阻塞启动、优雅关闭
  - Config  — 监听地址、消息上限、限流与认证配置

# 关键约定

  - Execute 的 RPC 错误只有边界条件:队列饱和、池已关闭、调用方取消
  - ExecuteStream 按固定分片大小下发正文,尾帧只带摘要 (Content 为空)
  - 认证启用时健康检查方法始终豁免
  - 限流按对端 IP 计数,visitor 表由后台协程定期清理
*/
package server
