package types

// ResponseEnvelope 是任务的唯一终态结果，按任务产生且只产生一次。
// 成功时 ErrorMessage 为空且 StatusCode 被接受；失败时 ErrorMessage
// 非空，StatusCode 仍可能保留最后一次观察到的值。StatusCode 为 0
// 表示从未收到响应（纯传输层失败），区别于"收到但不被接受"。
type ResponseEnvelope struct {
	TaskID       string            `json:"task_id"`
	Backend      string            `json:"backend"`
	EffectiveURL string            `json:"effective_url,omitempty"`
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"response_headers,omitempty"`
	Content      []byte            `json:"content,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`

	// ElapsedMS 为该任务所有尝试（含退避等待）的累计墙钟毫秒数。
	ElapsedMS int64 `json:"elapsed_ms"`
	// Attempts 为实际执行的适配器调用次数。
	Attempts int `json:"attempts"`
}

// OK 指示任务是否以成功终态结束。
func (r *ResponseEnvelope) OK() bool {
	return r != nil && r.ErrorMessage == ""
}

// StreamFrame 是流式响应的单帧：要么携带一段响应体分片（Data），
// 要么是尾帧（Summary 非空，其 Content 为空，正文已通过分片下发）。
type StreamFrame struct {
	TaskID  string            `json:"task_id"`
	Data    []byte            `json:"data,omitempty"`
	Summary *ResponseEnvelope `json:"summary,omitempty"`
}
