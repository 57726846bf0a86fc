// internal/service/order/domain/state.go
package domain

// Status 订单状态
type Status string

const (
	StatusCreate Status = "CREATE" // 已创建，库存已预扣
	StatusUnpaid Status = "UNPAID" // 已确认，等待支付
	StatusPaid   Status = "PAID"   // 已支付
)

// Event 驱动订单状态流转的事件
type Event string

const (
	EventConfirm Event = "CONFIRM"
	EventPay     Event = "PAY"
	EventCancel  Event = "CANCEL"
)

type transition struct {
	from  Status
	event Event
}

// StateMachine 订单状态流转表，构造后只读，可以在 goroutine 间共享
type StateMachine struct {
	table map[transition]Status
}

// NewStateMachine 构造完整的流转表，表外的 (状态, 事件) 组合都是非法的
func NewStateMachine() *StateMachine {
	return &StateMachine{table: map[transition]Status{
		{StatusCreate, EventConfirm}: StatusUnpaid,
		{StatusCreate, EventPay}:     StatusPaid,
		{StatusUnpaid, EventPay}:     StatusPaid,
		// 取消后回到 CREATE，补偿动作由编排层在流转成功后执行
		{StatusCreate, EventCancel}: StatusCreate,
		{StatusUnpaid, EventCancel}: StatusCreate,
	}}
}

// Transition 返回目标状态，非法流转返回 *IllegalTransitionError
func (m *StateMachine) Transition(from Status, event Event) (Status, error) {
	to, ok := m.table[transition{from, event}]
	if !ok {
		return "", &IllegalTransitionError{From: from, Event: event}
	}
	return to, nil
}
