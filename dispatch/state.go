package dispatch

// State 标识任务在调度状态机中的位置。
// 任务沿固定路径推进, 终态恰好出现一次, 与响应信封一一对应。
type State string

// 状态机节点
const (
	// StateCreated 信封已接收, 尚未校验
	StateCreated State = "CREATED"

	// StateValidating 入口校验与后端查找进行中
	StateValidating State = "VALIDATING"

	// StateRejected 终态: 未执行任何尝试即被拒绝 (校验失败 / 未知后端 / 代理规格非法)
	StateRejected State = "REJECTED"

	// StateResolving 多态代理说明解析进行中 (每任务至多一次)
	StateResolving State = "RESOLVING"

	// StateExecuting 一次适配器尝试进行中
	StateExecuting State = "EXECUTING"

	// StateRetryPending 退避等待中, 等待结束后回到 EXECUTING
	StateRetryPending State = "RETRY_PENDING"

	// StateSucceeded 终态: 收到被接受的响应
	StateSucceeded State = "SUCCEEDED"

	// StateFailed 终态: 预算耗尽 / 致命错误 / 调用方取消
	StateFailed State = "FAILED"
)

// transitions 合法迁移表。不在表中的迁移视为编程错误。
var transitions = map[State][]State{
	StateCreated:      {StateValidating},
	StateValidating:   {StateRejected, StateResolving},
	StateResolving:    {StateRejected, StateExecuting},
	StateExecuting:    {StateSucceeded, StateRetryPending, StateFailed},
	StateRetryPending: {StateExecuting, StateFailed},
}

// IsTerminal 指示状态是否为终态。
func (s State) IsTerminal() bool {
	switch s {
	case StateRejected, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// Outcome 把终态映射为指标的 outcome 标签, 非终态返回空串。
func (s State) Outcome() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRejected:
		return "rejected"
	default:
		return ""
	}
}

// CanTransition 判断 from 到 to 是否为状态机的合法迁移。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
