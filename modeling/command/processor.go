package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evtcore/eventing"
	"evtcore/eventing/monitoring"
	"evtcore/eventing/store"
	"evtcore/eventing/store/snapshot"
	"evtcore/logging"
	"evtcore/modeling"
	"evtcore/modeling/state"
	"evtcore/patterns/retry"
)

// IPublisher 追加成功后接收事件流的下游（事件总线）
type IPublisher interface {
	Send(ctx context.Context, stream *eventing.DomainEventStream) error
}

// Config 命令处理配置
type Config struct {
	// MaxAttempts 版本冲突时的最大尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts"`

	// CallTimeout 每次后端调用的超时，0 表示只受调用方 ctx 约束
	CallTimeout time.Duration `yaml:"call_timeout"`

	// RetryDelay 冲突后重试前的初始等待
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RetryMaxDelay 冲突重试的最大等待
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// DefaultConfig 3 次尝试，单次调用 5s 超时
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		CallTimeout:   5 * time.Second,
		RetryDelay:    5 * time.Millisecond,
		RetryMaxDelay: 100 * time.Millisecond,
	}
}

// CommandResult 命令处理结果
type CommandResult struct {
	// Stream 本次追加的事件流；Duplicate 时为原先持久化的事件流（后端不支持查找时为 nil）
	Stream    *eventing.DomainEventStream
	Duplicate bool
	Attempts  int
}

// Option 配置 AggregateProcessor
type Option func(*options)

type options struct {
	snapshotter *snapshot.Snapshotter
	publisher   IPublisher
	metrics     monitoring.IMetrics
	logger      logging.Logger
	now         func() time.Time
}

// WithSnapshotter 追加成功后按策略异步保存快照
func WithSnapshotter(s *snapshot.Snapshotter) Option {
	return func(o *options) { o.snapshotter = s }
}

// WithPublisher 追加成功后把事件流交给事件总线
func WithPublisher(p IPublisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithMetrics 注入指标
func WithMetrics(m monitoring.IMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger 注入 logger
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// AggregateProcessor 处理一种聚合的命令
type AggregateProcessor[S any] struct {
	repo     *state.Repository[S]
	events   store.IEventStore
	handlers *Handlers[S]
	cfg      Config
	opts     options
	label    string
}

// NewAggregateProcessor 创建命令处理器
func NewAggregateProcessor[S any](repo *state.Repository[S], events store.IEventStore, handlers *Handlers[S], cfg Config, opts ...Option) (*AggregateProcessor[S], error) {
	if repo == nil || events == nil || handlers == nil {
		return nil, fmt.Errorf("processor requires repository, event store and handlers")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = monitoring.NewNoopMetrics()
	}
	if o.logger == nil {
		o.logger = logging.ComponentLogger("modeling.command")
	}
	named := repo.NamedAggregate()
	o.logger = o.logger.WithFields(logging.String("aggregate", named.String()))
	return &AggregateProcessor[S]{
		repo:     repo,
		events:   events,
		handlers: handlers,
		cfg:      cfg,
		opts:     o,
		label:    named.String(),
	}, nil
}

// NamedAggregate 处理器负责的聚合类型
func (p *AggregateProcessor[S]) NamedAggregate() modeling.NamedAggregate {
	return p.repo.NamedAggregate()
}

// Process 处理命令
//
// 每次尝试都重新加载状态并重新决策；版本冲突与调用超时会重试，
// DuplicateRequestId 视为幂等成功，其余错误原样返回。
func (p *AggregateProcessor[S]) Process(ctx context.Context, cmd *CommandMessage) (*CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.AggregateId.TenantID == "" {
		normalized := *cmd
		normalized.AggregateId = normalized.AggregateId.Normalized()
		cmd = &normalized
	}
	if cmd.AggregateId.NamedAggregate != p.repo.NamedAggregate() {
		return nil, fmt.Errorf("%w: command for %s sent to %s processor", modeling.ErrPrecondition, cmd.AggregateId.NamedAggregate, p.label)
	}
	decide, ok := p.handlers.Lookup(cmd.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrHandlerNotFound, cmd.Name, p.label)
	}

	var (
		result       *CommandResult
		attempts     int
		lastVersion  uint64
		exhausted    bool
		unknownSeen  bool
		conflictSeen bool
	)
	policy := retry.Config{
		MaxAttempts:   p.cfg.MaxAttempts,
		InitialDelay:  p.cfg.RetryDelay,
		BackoffFactor: 2,
		MaxDelay:      p.cfg.RetryMaxDelay,
		Retryable:     retryable,
	}
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		res, version, final, err := p.attempt(ctx, cmd, decide, unknownSeen)
		lastVersion = version
		if err == nil {
			result = res
			return nil
		}
		if final {
			return retry.Permanent(err)
		}
		if retryable(err) {
			var unknown *OutcomeUnknownError
			if errors.As(err, &unknown) {
				unknownSeen = true
			} else {
				conflictSeen = true
			}
			exhausted = attempt >= p.cfg.MaxAttempts
			p.opts.logger.Debug(ctx, "command attempt failed",
				logging.String("command_id", cmd.ID),
				logging.Stringer("aggregate_id", cmd.AggregateId),
				logging.Int("attempt", attempt),
				logging.Error(err))
		}
		return err
	}, policy)

	if err != nil {
		if exhausted && retryable(err) && !conflictSeen {
			// 每次尝试都超时，没有并发冲突可言
			p.opts.metrics.CommandProcessed(p.label, monitoring.OutcomeTimeout, attempts)
			return nil, fmt.Errorf("command %s on %s gave up after %d attempts: %w", cmd.ID, cmd.AggregateId, attempts, err)
		}
		if exhausted && retryable(err) {
			p.opts.metrics.CommandProcessed(p.label, monitoring.OutcomeExhausted, attempts)
			return nil, &ConcurrencyExhaustedError{
				AggregateId: cmd.AggregateId,
				CommandID:   cmd.ID,
				Attempts:    attempts,
				LastVersion: lastVersion,
				Cause:       err,
			}
		}
		p.opts.metrics.CommandProcessed(p.label, outcomeOf(err), attempts)
		return nil, err
	}

	result.Attempts = attempts
	if result.Duplicate {
		// 之前的追加结果未知但实际已成功，原事件流尚未发布
		if unknownSeen && result.Stream != nil {
			p.publish(ctx, result.Stream)
		}
		p.opts.metrics.CommandProcessed(p.label, monitoring.OutcomeDuplicateRequest, attempts)
	} else {
		p.opts.metrics.CommandProcessed(p.label, monitoring.OutcomeOK, attempts)
	}
	return result, nil
}

// attempt 执行一次 加载-决策-追加；返回观察到的聚合版本，final 表示错误与版本无关、不应重试
//
// checkRequest 为 true 时先按 requestId 查找，上一次结果未知的追加可能已经成功。
func (p *AggregateProcessor[S]) attempt(ctx context.Context, cmd *CommandMessage, decide DecideFunc[S], checkRequest bool) (res *CommandResult, version uint64, final bool, err error) {
	if checkRequest {
		if original := p.findOriginal(ctx, cmd.AggregateId, cmd.EffectiveRequestID()); original != nil {
			return &CommandResult{Stream: original, Duplicate: true}, original.Version, false, nil
		}
	}

	agg, err := p.load(ctx, cmd.AggregateId)
	if err != nil {
		return nil, 0, false, err
	}
	if err := precheck(agg, cmd); err != nil {
		if res := p.alreadyApplied(ctx, agg, cmd, checkRequest); res != nil {
			return res, res.Stream.Version, false, nil
		}
		return nil, agg.Version, true, err
	}

	bodies, err := decide(ctx, *agg, cmd)
	if err != nil {
		if res := p.alreadyApplied(ctx, agg, cmd, checkRequest); res != nil {
			return res, res.Stream.Version, false, nil
		}
		return nil, agg.Version, true, err
	}
	if len(bodies) == 0 {
		return nil, agg.Version, true, fmt.Errorf("%w: %s on %s", ErrNoEvents, cmd.Name, cmd.AggregateId)
	}

	stream, err := eventing.NewDomainEventStream(cmd.AggregateId, agg.ExpectedNextVersion(),
		cmd.EffectiveRequestID(), cmd.ID, cmd.Header, bodies, p.opts.now())
	if err != nil {
		return nil, agg.Version, true, err
	}

	if err := p.append(ctx, stream); err != nil {
		var dup *eventing.DuplicateRequestIdError
		if errors.As(err, &dup) {
			original := p.findOriginal(ctx, stream.AggregateId, stream.RequestID)
			return &CommandResult{Stream: original, Duplicate: true}, agg.Version, false, nil
		}
		return nil, agg.Version, false, err
	}

	p.afterAppend(ctx, agg, stream)
	return &CommandResult{Stream: stream}, stream.Version, false, nil
}

// alreadyApplied 命令被拒绝时确认它是否就是日志中已持久化的那次请求
//
// 调用方重试已成功的创建命令或带期望版本的命令时，状态已经前进，
// 前置检查必然失败，此时按 requestId 找到原事件流即视为幂等成功。
// looked 为 true 表示本次尝试已经查找过。
func (p *AggregateProcessor[S]) alreadyApplied(ctx context.Context, agg *state.StateAggregate[S], cmd *CommandMessage, looked bool) *CommandResult {
	if looked || !agg.Initialized() {
		return nil
	}
	original := p.findOriginal(ctx, cmd.AggregateId, cmd.EffectiveRequestID())
	if original == nil {
		return nil
	}
	return &CommandResult{Stream: original, Duplicate: true}
}

func precheck[S any](agg *state.StateAggregate[S], cmd *CommandMessage) error {
	if cmd.AggregateVersion != nil && *cmd.AggregateVersion != agg.Version {
		return &ExpectVersionConflictError{
			AggregateId:   cmd.AggregateId,
			CommandID:     cmd.ID,
			ExpectVersion: *cmd.AggregateVersion,
			ActualVersion: agg.Version,
		}
	}
	if cmd.IsCreate && agg.Initialized() {
		return &eventing.DuplicateAggregateIdError{AggregateId: cmd.AggregateId, RequestID: cmd.EffectiveRequestID()}
	}
	if !agg.Initialized() && !cmd.IsCreate && !cmd.AllowCreate {
		return fmt.Errorf("%w: %s", modeling.ErrAggregateNotFound, cmd.AggregateId)
	}
	if cmd.Name == RecoverAggregateCommand {
		if !agg.Deleted {
			return fmt.Errorf("%w: %s is not deleted", modeling.ErrPrecondition, cmd.AggregateId)
		}
		return nil
	}
	if agg.Deleted {
		return fmt.Errorf("%w: %s", modeling.ErrAggregateDeleted, cmd.AggregateId)
	}
	return nil
}

func (p *AggregateProcessor[S]) load(ctx context.Context, id modeling.AggregateId) (*state.StateAggregate[S], error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	agg, err := p.repo.Load(callCtx, id)
	return agg, p.timeoutAware(ctx, "load", err)
}

func (p *AggregateProcessor[S]) append(ctx context.Context, stream *eventing.DomainEventStream) error {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	return p.timeoutAware(ctx, "append", p.events.Append(callCtx, stream))
}

func (p *AggregateProcessor[S]) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}

// timeoutAware 单次调用超时而调用方 ctx 仍有效时，标记为结果未知
func (p *AggregateProcessor[S]) timeoutAware(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &OutcomeUnknownError{Operation: op, Cause: err}
	}
	return err
}

// findOriginal 查找 requestId 对应的已持久化事件流，后端不支持或查找失败时返回 nil
func (p *AggregateProcessor[S]) findOriginal(ctx context.Context, id modeling.AggregateId, requestID string) *eventing.DomainEventStream {
	index, ok := p.events.(store.IRequestIndex)
	if !ok {
		return nil
	}
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	original, err := index.FindByRequestID(callCtx, id, requestID)
	if err != nil {
		p.opts.logger.Warn(ctx, "lookup original stream of duplicate request failed",
			logging.Stringer("aggregate_id", id),
			logging.String("request_id", requestID),
			logging.Error(err))
		return nil
	}
	return original
}

// afterAppend 溯源、快照与发布都不会让已经持久化的命令失败
func (p *AggregateProcessor[S]) afterAppend(ctx context.Context, agg *state.StateAggregate[S], stream *eventing.DomainEventStream) {
	if err := p.repo.Sourcing().Apply(ctx, agg, stream); err != nil {
		p.opts.logger.Error(ctx, "apply appended stream failed",
			logging.Stringer("aggregate_id", stream.AggregateId),
			logging.Uint64("version", stream.Version),
			logging.Error(err))
	} else if p.opts.snapshotter != nil {
		progress := snapshot.Progress{
			AggregateId:     agg.AggregateId,
			Version:         agg.Version,
			EventTime:       agg.EventTime,
			SnapshotVersion: agg.SnapshotVersion,
			SnapshotTime:    agg.SnapshotTime,
		}
		p.opts.snapshotter.Offer(ctx, progress, func() (*snapshot.Snapshot, error) {
			return state.ToSnapshot(agg, p.opts.now())
		})
	}

	p.publish(ctx, stream)
}

// publish 发布失败只记录日志，补偿由 Resender 完成
func (p *AggregateProcessor[S]) publish(ctx context.Context, stream *eventing.DomainEventStream) {
	if p.opts.publisher == nil {
		return
	}
	if err := p.opts.publisher.Send(ctx, stream); err != nil {
		p.opts.logger.Warn(ctx, "publish event stream failed",
			logging.Stringer("aggregate_id", stream.AggregateId),
			logging.Uint64("version", stream.Version),
			logging.Error(err))
	}
}

func retryable(err error) bool {
	var conflict *eventing.EventVersionConflictError
	var unknown *OutcomeUnknownError
	return errors.As(err, &conflict) || errors.As(err, &unknown)
}

func outcomeOf(err error) string {
	var dupAgg *eventing.DuplicateAggregateIdError
	if errors.As(err, &dupAgg) {
		return monitoring.OutcomeDuplicateAggregate
	}
	return monitoring.OutcomeError
}
