package txlog

import (
	"context"
	"log/slog"
	"time"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/observability/alerting"
	"GluePay-Chain/pkg/logger"
)

// Recorder 从流水队列消费结算记录并落库。
// 结算路径只负责投递，记录器在后台完成持久化。
type Recorder struct {
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// RecorderOption 定义可选配置。
type RecorderOption func(*Recorder)

// WithRecorderLogger 指定日志输出。
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) RecorderOption {
	return func(r *Recorder) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) RecorderOption {
	return func(r *Recorder) {
		r.alerter = dispatcher
	}
}

// NewRecorder 构造 Recorder。
func NewRecorder(store Store, consumer Consumer, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.workerCount <= 0 {
		r.workerCount = 1
	}
	return r
}

// Start 启动消费循环。队列关闭或上下文取消后返回。
func (r *Recorder) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置流水消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *Recorder) handle(ctx context.Context, entry Entry) error {
	if r.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "记录器未初始化")
	}
	if err := r.store.Append(ctx, entry); err != nil {
		wrapped := xerrors.Wrap(CodeJournalRecord, err, "结算流水落库失败")
		r.logError("结算流水落库失败",
			slog.String("reference", entry.Reference),
			slog.String("network", entry.Network),
			slog.Any("error", err),
		)
		r.emitAlert(ctx, entry, wrapped)
		return wrapped
	}
	r.logDebug("结算流水已记录",
		slog.String("reference", entry.Reference),
		slog.String("network", entry.Network),
		slog.String("value", entry.Value),
	)
	return nil
}

func (r *Recorder) emitAlert(ctx context.Context, entry Entry, err error) {
	if r.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Channel:    alerting.ChannelLog,
		Reference:  entry.Reference,
		Network:    entry.Network,
		OccurredAt: time.Now(),
	}
	if notifyErr := r.alerter.Notify(ctx, event); notifyErr != nil {
		r.logError("发送结算告警失败", slog.Any("error", notifyErr), slog.String("reference", entry.Reference))
	}
}

func (r *Recorder) logDebug(msg string, attrs ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, attrs...)
		return
	}
	logger.L().Debug(msg, attrs...)
}

func (r *Recorder) logError(msg string, attrs ...any) {
	if r.logger != nil {
		r.logger.Error(msg, attrs...)
		return
	}
	logger.L().Error(msg, attrs...)
}
