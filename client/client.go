// Copyright (c) FetchFlow Authors.
// Licensed under the MIT License.

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/BaSui01/fetchflow/internal/pool"
	"github.com/BaSui01/fetchflow/internal/wire"
	"github.com/BaSui01/fetchflow/types"
)

// =============================================================================
// 📡 客户端
// =============================================================================

// executeStreamDesc ExecuteStream 的流描述符, 服务端单向流。
var executeStreamDesc = &grpc.StreamDesc{
	StreamName:    "ExecuteStream",
	ServerStreams: true,
}

// Option 配置 New 创建的客户端。
type Option func(*Client)

// WithBearerToken 在每次调用的 metadata 里携带 Bearer 凭证。
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDefaultBackend 设置便捷方法构造任务时的默认后端。
// 默认为 impersonate, 单个任务可用 WithBackend 覆盖。
func WithDefaultBackend(name string) Option {
	return func(c *Client) { c.backend = name }
}

// Client FetchFlow Dispatch 服务的客户端。
// 连接由调用方持有, Client 可被任意多 goroutine 并发使用。
type Client struct {
	conn     *grpc.ClientConn
	backend  string
	token    string
	callOpts []grpc.CallOption
}

// New 在已有连接上创建客户端。连接的生命周期由调用方管理。
func New(conn *grpc.ClientConn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		backend:  types.BackendImpersonate,
		callOpts: []grpc.CallOption{grpc.CallContentSubtype(wire.CodecName)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// withAuth 把 Bearer 凭证注入出站 metadata。未配置凭证时原样返回。
func (c *Client) withAuth(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// Execute 执行单个任务并等待完整响应信封。
// 任务本身的失败在信封里表达, 返回的 error 只代表 RPC 边界故障。
func (c *Client) Execute(ctx context.Context, task *types.TaskEnvelope) (*types.ResponseEnvelope, error) {
	reply := new(types.ResponseEnvelope)
	if err := c.conn.Invoke(c.withAuth(ctx), wire.MethodExecute, task, reply, c.callOpts...); err != nil {
		return nil, err
	}
	return reply, nil
}

// ExecuteStream 执行单个任务并以服务端流接收结果:
// 零个或多个正文分片帧, 以及最后一个不含正文的汇总帧。
func (c *Client) ExecuteStream(ctx context.Context, task *types.TaskEnvelope) (*Stream, error) {
	cs, err := c.conn.NewStream(c.withAuth(ctx), executeStreamDesc, wire.MethodExecuteStream, c.callOpts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(task); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Stream{cs: cs}, nil
}

// =============================================================================
// 📨 便捷方法
// =============================================================================

// Get 发起 GET 任务。
func (c *Client) Get(ctx context.Context, url string, opts ...TaskOption) (*types.ResponseEnvelope, error) {
	return c.do(ctx, http.MethodGet, url, opts)
}

// Post 发起 POST 任务, form 作为表单体随任务下发。
func (c *Client) Post(ctx context.Context, url string, form any, opts ...TaskOption) (*types.ResponseEnvelope, error) {
	if form != nil {
		opts = append(opts, WithFormBody(form))
	}
	return c.do(ctx, http.MethodPost, url, opts)
}

// PostJSON 发起 POST 任务, body 作为 JSON 体随任务下发。
func (c *Client) PostJSON(ctx context.Context, url string, body any, opts ...TaskOption) (*types.ResponseEnvelope, error) {
	if body != nil {
		opts = append(opts, WithJSONBody(body))
	}
	return c.do(ctx, http.MethodPost, url, opts)
}

// Put 发起 PUT 任务, body 作为 JSON 体随任务下发。
// 表单体通过 WithFormBody 显式指定。
func (c *Client) Put(ctx context.Context, url string, body any, opts ...TaskOption) (*types.ResponseEnvelope, error) {
	if body != nil {
		opts = append(opts, WithJSONBody(body))
	}
	return c.do(ctx, http.MethodPut, url, opts)
}

// Delete 发起 DELETE 任务。
func (c *Client) Delete(ctx context.Context, url string, opts ...TaskOption) (*types.ResponseEnvelope, error) {
	return c.do(ctx, http.MethodDelete, url, opts)
}

// Head 发起 HEAD 任务。
func (c *Client) Head(ctx context.Context, url string, opts ...TaskOption) (*types.ResponseEnvelope, error) {
	return c.do(ctx, http.MethodHead, url, opts)
}

// Options 发起 OPTIONS 任务。
func (c *Client) Options(ctx context.Context, url string, opts ...TaskOption) (*types.ResponseEnvelope, error) {
	return c.do(ctx, http.MethodOptions, url, opts)
}

func (c *Client) do(ctx context.Context, method, url string, opts []TaskOption) (*types.ResponseEnvelope, error) {
	task, err := buildTask(method, url, c.backend, opts)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, task)
}

// =============================================================================
// 📨 流式接收
// =============================================================================

// Stream ExecuteStream 结果的接收端。
type Stream struct {
	cs grpc.ClientStream
}

// Recv 读取下一帧。流正常结束时返回 io.EOF。
func (s *Stream) Recv() (*types.StreamFrame, error) {
	frame := new(types.StreamFrame)
	if err := s.cs.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Collect 读完整个流并拼装出完整的响应信封:
// 正文分片按到达顺序拼回 Content, 其余字段取自汇总帧。
func (s *Stream) Collect() (*types.ResponseEnvelope, error) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	var summary *types.ResponseEnvelope
	for {
		frame, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if frame.Summary != nil {
			summary = frame.Summary
			continue
		}
		buf.Write(frame.Data)
	}
	if summary == nil {
		return nil, fmt.Errorf("client: stream ended without summary frame")
	}
	if buf.Len() > 0 {
		// 缓冲区回池复用, 拷出正文。
		summary.Content = append([]byte(nil), buf.Bytes()...)
	}
	return summary, nil
}
