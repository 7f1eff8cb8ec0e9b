package notify

import (
	"context"

	"sipi/internal/model"
)

// Notifier 定义检测状态变化的通知接口。
type Notifier interface {
	// NotifyDetection 在检测记录进入 detected / confirmed 等关注状态时调用。
	//
	// 参数:
	//   ctx: 上下文
	//   listing: 房源
	//   detection: 更新后的检测记录
	//   from: 变化前的状态
	NotifyDetection(ctx context.Context, listing *model.Listing, detection *model.Detection, from model.Status) error
}

// Nop 不发送任何通知。
type Nop struct{}

func (Nop) NotifyDetection(context.Context, *model.Listing, *model.Detection, model.Status) error {
	return nil
}

// ShouldNotify 判断一次状态变化是否需要通知。
//
// 一次评估可能连续跨过多个状态，只要经过 detected 或 confirmed 就通知；进入 sold 也通知。
func ShouldNotify(from, to model.Status) bool {
	if from == to {
		return false
	}
	if to == model.StatusSold {
		return true
	}
	r, ok := rank[to]
	return ok && r >= rank[model.StatusDetected] && rank[from] < rank[model.StatusConfirmed]
}

var rank = map[model.Status]int{
	model.StatusTracking:      0,
	model.StatusDetected:      1,
	model.StatusConfirmed:     2,
	model.StatusListedForSale: 3,
}
