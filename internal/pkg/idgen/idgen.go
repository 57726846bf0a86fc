package idgen

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
)

// Generator 生成全局唯一、趋势递增的订单号
type Generator struct {
	sf *sonyflake.Sonyflake
}

// New startDate 形如 2024-01-01，为空则使用 sonyflake 默认纪元
func New(machineID uint16, startDate string) (*Generator, error) {
	settings := sonyflake.Settings{
		MachineID: func() (uint16, error) { return machineID, nil },
	}
	if startDate != "" {
		st, err := time.Parse(time.DateOnly, startDate)
		if err != nil {
			return nil, fmt.Errorf("parse idgen start date: %w", err)
		}
		settings.StartTime = st
	}
	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, fmt.Errorf("create sonyflake: %w", err)
	}
	return &Generator{sf: sf}, nil
}

// NextID 返回十进制字符串形式的 ID
func (g *Generator) NextID() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}
