package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"github.com/BaSui01/fetchflow/types"
)

func TestCodec_Registered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c, "包导入后 codec 应已注册")
	assert.Equal(t, CodecName, c.Name())
}

func TestCodec_RoundTripTask(t *testing.T) {
	task := &types.TaskEnvelope{
		ID:      "task-1",
		Backend: types.BackendNetHTTP,
		Method:  "POST",
		URL:     "https://example.com/submit",
		Headers: map[string]string{"X-Trace": "abc"},
	}

	data, err := codec{}.Marshal(task)
	require.NoError(t, err)

	var got types.TaskEnvelope
	require.NoError(t, codec{}.Unmarshal(data, &got))
	assert.Equal(t, *task, got, "信封应无损往返")
}

func TestCodec_RoundTripStreamFrame(t *testing.T) {
	frame := &types.StreamFrame{
		TaskID: "task-2",
		Summary: &types.ResponseEnvelope{
			TaskID:     "task-2",
			Backend:    types.BackendResty,
			StatusCode: 200,
			Attempts:   1,
		},
	}

	data, err := codec{}.Marshal(frame)
	require.NoError(t, err)

	var got types.StreamFrame
	require.NoError(t, codec{}.Unmarshal(data, &got))
	require.NotNil(t, got.Summary)
	assert.Equal(t, frame.Summary.StatusCode, got.Summary.StatusCode)
	assert.Empty(t, got.Data)
}

func TestCodec_MarshalError(t *testing.T) {
	_, err := codec{}.Marshal(make(chan int))
	require.Error(t, err, "不可序列化类型应报错")
	assert.Contains(t, err.Error(), "wire: marshal")
}

func TestCodec_UnmarshalError(t *testing.T) {
	var got types.TaskEnvelope
	err := codec{}.Unmarshal([]byte("{not json"), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: unmarshal")
}
