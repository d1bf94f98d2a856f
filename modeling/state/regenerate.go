package state

import (
	"context"
	"time"

	"evtcore/logging"
	"evtcore/modeling"
)

// DefaultRegenerateBatch 重建快照时每页扫描的聚合数
const DefaultRegenerateBatch = 100

// RegenerateResult 批量重建快照的统计
type RegenerateResult struct {
	Scanned int
	Saved   int
	Failed  int
	Cursor  modeling.AggregateId
}

// Regenerate 按游标扫描事件存储中的聚合，从完整事件日志重建并保存快照
//
// 单个聚合失败只计数并记录日志；ctx 取消或扫描失败时返回已完成部分与错误，
// Cursor 为最后处理的聚合，可用于续跑。
func (r *Repository[S]) Regenerate(ctx context.Context, after modeling.AggregateId, batch int) (RegenerateResult, error) {
	if batch <= 0 {
		batch = DefaultRegenerateBatch
	}
	result := RegenerateResult{Cursor: after}
	for {
		ids, err := r.events.ScanAggregateId(ctx, r.named, result.Cursor, batch)
		if err != nil {
			return result, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Scanned++
			if err := r.RegenerateOne(ctx, id); err != nil {
				result.Failed++
				r.logger.Error(ctx, "regenerate snapshot failed", logging.Stringer("aggregate_id", id), logging.Error(err))
			} else {
				result.Saved++
			}
			result.Cursor = id
		}
		if len(ids) < batch {
			return result, nil
		}
	}
}

// RegenerateOne 重建单个聚合的快照，未初始化的聚合直接跳过
func (r *Repository[S]) RegenerateOne(ctx context.Context, id modeling.AggregateId) error {
	agg, err := r.Replay(ctx, id)
	if err != nil {
		return err
	}
	if !agg.Initialized() {
		return nil
	}
	snap, err := ToSnapshot(agg, time.Now())
	if err != nil {
		return err
	}
	return r.snapshots.Save(ctx, snap)
}
