package modeling

import "errors"

var (
	// ErrPrecondition 调用参数违反前置条件（版本区间、键名等），属于调用方缺陷
	ErrPrecondition = errors.New("precondition violated")

	// ErrAggregateNotFound 聚合尚未初始化
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrAggregateDeleted 聚合已被标记删除
	ErrAggregateDeleted = errors.New("aggregate deleted")
)
