// internal/service/inventory/domain/stream.go
package domain

import "time"

// EventType 库存流水类型
type EventType string

const (
	EventTry      EventType = "TRY"
	EventConfirm  EventType = "CONFIRM"
	EventCancel   EventType = "CANCEL"
	EventIncrease EventType = "INCREASE"
)

// StreamEntry 只追加的库存流水，(Identifier, EventType) 唯一
type StreamEntry struct {
	ID         int64
	Identifier string
	GoodsID    string
	EventType  EventType
	Quantity   int64
	CreatedAt  time.Time
}

// Entries 某个 identifier 下的全部流水
type Entries []*StreamEntry

func (es Entries) Find(t EventType) *StreamEntry {
	for _, e := range es {
		if e.EventType == t {
			return e
		}
	}
	return nil
}

// Replay 按流水重建可售和预扣数量
func Replay(entries []*StreamEntry) (available, reserved int64) {
	for _, e := range entries {
		switch e.EventType {
		case EventIncrease:
			available += e.Quantity
		case EventTry:
			available -= e.Quantity
			reserved += e.Quantity
		case EventConfirm:
			reserved -= e.Quantity
		case EventCancel:
			available += e.Quantity
			reserved -= e.Quantity
		}
	}
	return available, reserved
}
