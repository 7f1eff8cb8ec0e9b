package lifecycle

import "sipi/internal/model"

// TrackPrice 记录一次价格观测，返回价格是否变化。
//
// 价格消失（有价 -> 无价）与重新出现都算一次变化，与账本的 price_change 记录一一对应。
// 最低价与最高价只统计实际出现过的价格；首个出现的价格作为初始价。
func TrackPrice(d *model.Detection, price *int64) bool {
	if int64PtrEqual(d.CurrentPrice, price) {
		return false
	}
	d.PriceChanges++
	if price == nil {
		d.CurrentPrice = nil
		return true
	}
	p := *price
	d.CurrentPrice = &p
	if d.MinPrice == nil || p < *d.MinPrice {
		d.MinPrice = &p
	}
	if d.MaxPrice == nil || p > *d.MaxPrice {
		d.MaxPrice = &p
	}
	if d.InitialPrice == nil {
		d.InitialPrice = &p
	}
	return true
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
