package market

import "context"

// Source 抽象历史 K 线来源（只读，不涉及任何下单能力）。
type Source interface {
	// FetchRange 拉取 [start, end]（开盘时间毫秒，闭区间）内的全部已收盘 K 线，
	// 按 OpenTime 升序返回。实现负责分页与限速。
	FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]Candle, error)
}

// SourceStats 记录数据源的调用统计。
type SourceStats struct {
	Requests  int64 `json:"requests"`
	Candles   int64 `json:"candles"`
	LastError string `json:"last_error,omitempty"`
}
