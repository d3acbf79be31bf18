// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

/*
Package dispatch 实现任务调度核心:状态机、重试循环与终态信封装配。

# 概述

dispatch 包是任务信封与执行引擎之间唯一的协调层。每个任务沿固定状态机
推进一次,产出恰好一个响应信封;所有路径 (拒绝、成功、耗尽、取消) 都
收敛到同一个出口,调用方永远拿到非 nil 的结果。

# 状态机

	CREATED → VALIDATING → {REJECTED | RESOLVING}
	RESOLVING → {REJECTED | EXECUTING}
	EXECUTING → {SUCCEEDED | RETRY_PENDING | FAILED}
	RETRY_PENDING → {EXECUTING | FAILED}

REJECTED 只出现在任何尝试发生之前:信封校验失败、后端未注册或代理
规格非法。进入 EXECUTING 之后的失败只能走 RETRY_PENDING 或 FAILED。

# 核心类型

  - Orchestrator — 调度器,无共享任务状态,可被任意多 goroutine 并发调用
  - Config       — 构造参数 (注册表、代理源、日志、指标、追踪)
  - State        — 状态机节点与迁移校验

# 关键约定

  - 代理解析每任务至多一次,重试复用首次解析结果
  - 单次尝试截止:任务指定值 → 后端默认值 → 调度器兜底值
  - 状态码不被接受时保留已观察到的响应,信封带出实际状态码与响应体
  - 调用方取消优先于重试预算:取消后不再发起新尝试,退避等待立即中断
  - 重试预算耗尽时原样保留最后一次错误,不做二次包装
*/
package dispatch
