// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

/*
Package client 是 FetchFlow 的 Go SDK:在调用方持有的 gRPC 连接上
构造任务信封并发起 Execute / ExecuteStream 调用。

# 概述

Client 不拥有连接,只负责编码约定 (JSON content-subtype)、可选的
Bearer 凭证注入与任务信封的构造。连接的建立、TLS 与关闭都留给调用方:

	conn, err := grpc.NewClient("dns:///fetchflow:9527", ...)
	c := client.New(conn, client.WithBearerToken(token))

	env, err := c.Get(ctx, "https://example.com/api",
		client.WithQuery(map[string]any{"page": 2}),
		client.WithTimeout(90*time.Second),
	)

# 任务构造

便捷方法 (Get / Post / PostJSON / Put / Delete / Head / Options) 为每个
任务生成 UUID,并带上与原生默认一致的执行参数:超时 60 秒、重试 3 次、
退避基数 2 秒。TaskOption 按需覆盖单个字段;NewTask 暴露同一套构造逻辑,
供 ExecuteStream 等需要手工持有信封的场景使用。

# 关键约定

  - 任务失败在响应信封里表达 (OK=false + ErrorMessage),RPC 错误只表示
    边界故障:队列饱和、认证失败、取消、连接中断
  - SDK 不注入允许状态码列表;不设置时由服务端按 2xx/3xx 默认规则判定
  - Stream.Collect 把正文分片按序拼回 Content,汇总帧提供其余字段
*/
package client
