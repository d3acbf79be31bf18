// Package wire 提供信封在 gRPC 边界上的 JSON 编解码。
//
// 注册名为 "json" 的 gRPC codec:服务端按请求的 content-subtype 协商选中,
// 客户端通过 grpc.CallContentSubtype(wire.CodecName) 显式指定。
// 自带 protobuf 的服务 (如标准健康检查) 不受影响,仍走默认 proto codec。
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName 注册到 gRPC 的编解码器名称,同时也是 content-subtype。
const CodecName = "json"

// 服务与方法的完整名称,客户端与服务端共用同一份契约。
const (
	ServiceName         = "fetchflow.v1.Dispatch"
	MethodExecute       = "/fetchflow.v1.Dispatch/Execute"
	MethodExecuteStream = "/fetchflow.v1.Dispatch/ExecuteStream"
)

func init() {
	encoding.RegisterCodec(codec{})
}

// codec 基于 encoding/json 的 gRPC 编解码器。
// 信封类型都是普通结构体,不需要任何生成代码。
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return data, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string { return CodecName }
