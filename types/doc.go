// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 FetchFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 adapter、dispatch、proxy、
server 等上层模块提供统一的类型契约：任务/响应信封、错误分类体系，
以及跨包共享的常量。

# 核心类型

  - TaskEnvelope     — 一次下载任务的不可变描述（校验通过后不再修改）
  - ResponseEnvelope — 任务的唯一终态结果，与任务 id 一一对应
  - StreamFrame      — 流式响应帧（数据分片 + 尾部摘要）
  - Error / ErrorCode — 结构化错误体系，含可重试标记与致命标记

# 错误分类

  - CONFIGURATION      — 信封畸形、未知后端、非法代理，不可重试
  - TRANSPORT          — 连接/TLS/超时等传输层失败，可重试
  - DISALLOWED_STATUS  — 收到响应但状态码不在允许集合内，可重试
  - AUTOMATION         — 浏览器脚本失败，默认可重试；崩溃类标记为致命
*/
package types
