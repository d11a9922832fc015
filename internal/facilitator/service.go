package facilitator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"GluePay-Chain/internal/ledger"
	"GluePay-Chain/internal/txlog"
	"GluePay-Chain/internal/web3/provider"
	"GluePay-Chain/pkg/logger"
)

// Service 是无状态的结算协调器。它不持有资金, 不保存会话,
// 所有判定都落在账本后端的原子操作上, 可以水平扩展。
type Service struct {
	backends map[string]provider.Backend
	journal  txlog.Producer
	logger   *slog.Logger
	now      func() int64
}

// Option 定义可选配置。
type Option func(*Service)

// WithJournal 配置结算流水投递队列。投递失败只记录日志, 不影响结算结果。
func WithJournal(producer txlog.Producer) Option {
	return func(s *Service) {
		s.journal = producer
	}
}

// WithServiceLogger 指定日志输出。
func WithServiceLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock 覆盖时间源, 仅供测试使用。
func WithClock(now func() int64) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 用一组结算后端构造服务。
func NewService(backends []provider.Backend, opts ...Option) *Service {
	s := &Service{
		backends: make(map[string]provider.Backend, len(backends)),
		now:      func() int64 { return time.Now().Unix() },
	}
	for _, backend := range backends {
		s.backends[backend.Network] = backend
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Verify 校验支付载荷是否满足支付要求。纯读操作, 不改变任何状态,
// 校验通过也不保证后续结算必然成功。
func (s *Service) Verify(ctx context.Context, req VerifyRequest) VerifyResponse {
	backend, auth, reason := s.validate(req)
	if reason != "" {
		return VerifyResponse{IsValid: false, InvalidReason: reason}
	}
	payer := auth.From.Hex()

	if err := ledger.CheckWindow(s.now(), auth); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: reasonForError(err), Payer: payer}
	}
	if err := ledger.VerifyTransferSignature(backend.Domain, auth); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidSignature}
	}
	used, err := backend.Settler.AuthorizationUsed(ctx, auth.From, auth.Nonce)
	if err != nil {
		s.logError("查询 nonce 状态失败", slog.String("network", backend.Network), slog.Any("error", err))
		return VerifyResponse{IsValid: false, InvalidReason: ReasonSettlementFailed, Payer: payer}
	}
	if used {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonNonceUsed, Payer: payer}
	}
	balance, err := backend.Settler.BalanceOf(ctx, auth.From)
	if err != nil {
		s.logError("查询余额失败", slog.String("network", backend.Network), slog.Any("error", err))
		return VerifyResponse{IsValid: false, InvalidReason: ReasonSettlementFailed, Payer: payer}
	}
	if balance.Cmp(auth.Value) < 0 {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonInsufficientBalance, Payer: payer}
	}

	return VerifyResponse{IsValid: true, Payer: payer}
}

// Settle 提交授权转账。幂等性由账本的 nonce 判定保证:
// 重复提交同一授权, 至多成功一次, 其余返回 nonce_already_used。
func (s *Service) Settle(ctx context.Context, req SettleRequest) SettleResponse {
	backend, auth, reason := s.validate(req)
	if reason != "" {
		return SettleResponse{Success: false, ErrorReason: reason}
	}
	payer := auth.From.Hex()

	receipt, err := backend.Settler.AuthorizedTransfer(ctx, auth)
	if err != nil {
		s.logInfo("结算被拒绝",
			slog.String("network", backend.Network),
			slog.String("payer", payer),
			slog.String("reason", reasonForError(err)),
		)
		return SettleResponse{
			Success:     false,
			ErrorReason: reasonForError(err),
			Network:     backend.Network,
			Payer:       payer,
		}
	}

	s.publishEntry(ctx, backend, receipt)

	return SettleResponse{
		Success:     true,
		Transaction: receipt.Reference,
		Network:     backend.Network,
		Payer:       payer,
	}
}

// Cancel 提交授权撤销, 使一个尚未使用的 nonce 永久作废。
func (s *Service) Cancel(ctx context.Context, network string, cancel ledger.Cancellation) error {
	backend, ok := s.backends[network]
	if !ok {
		return stdErrors.New("未知结算网络")
	}
	return backend.Settler.CancelAuthorization(ctx, cancel)
}

// AuthorizationStatus 查询某个 (payer, nonce) 是否已被消费,
// 供买方在结算超时后复查结果。
func (s *Service) AuthorizationStatus(ctx context.Context, req StatusRequest) (StatusResponse, error) {
	backend, ok := s.backends[req.Network]
	if !ok {
		return StatusResponse{}, stdErrors.New("未知结算网络")
	}
	payer, err := parseAddress(req.Payer, "payer")
	if err != nil {
		return StatusResponse{}, err
	}
	nonce, err := parseNonce(req.Nonce)
	if err != nil {
		return StatusResponse{}, err
	}
	used, err := backend.Settler.AuthorizationUsed(ctx, payer, nonce)
	if err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{Network: backend.Network, Payer: payer.Hex(), Nonce: req.Nonce, Used: used}, nil
}

// Supported 返回本实例可结算的 (网络, 资产, 方案) 组合。
func (s *Service) Supported() SupportedResponse {
	kinds := make([]SupportedKind, 0, len(s.backends))
	for _, backend := range s.backends {
		kinds = append(kinds, SupportedKind{
			X402Version: X402Version,
			Scheme:      backend.Kind.Scheme,
			Network:     backend.Kind.Network,
			Asset:       backend.Kind.Asset,
		})
	}
	sortKinds(kinds)
	return SupportedResponse{Kinds: kinds}
}

// validate 做不依赖账本状态的结构化校验, verify 与 settle 共用。
func (s *Service) validate(req VerifyRequest) (provider.Backend, ledger.Authorization, string) {
	var zero provider.Backend
	if req.X402Version != X402Version || req.PaymentPayload.X402Version != X402Version {
		return zero, ledger.Authorization{}, ReasonUnsupportedVersion
	}
	backend, ok := s.backends[req.PaymentPayload.Network]
	if !ok || req.PaymentRequirements.Network != req.PaymentPayload.Network {
		return zero, ledger.Authorization{}, ReasonUnsupportedNetwork
	}
	if req.PaymentPayload.Scheme != backend.Kind.Scheme || req.PaymentRequirements.Scheme != backend.Kind.Scheme {
		return zero, ledger.Authorization{}, ReasonUnsupportedScheme
	}
	if !strings.EqualFold(req.PaymentRequirements.Asset, backend.Kind.Asset) {
		return zero, ledger.Authorization{}, ReasonAssetMismatch
	}

	auth, err := DecodeAuthorization(req.PaymentPayload.Payload)
	if err != nil {
		return zero, ledger.Authorization{}, ReasonMalformedPayload
	}
	payTo, err := parseAddress(req.PaymentRequirements.PayTo, "payTo")
	if err != nil {
		return zero, ledger.Authorization{}, ReasonMalformedPayload
	}
	if auth.To != payTo {
		return zero, ledger.Authorization{}, ReasonPayeeMismatch
	}
	required, err := parseAmount(req.PaymentRequirements.MaxAmountRequired)
	if err != nil {
		return zero, ledger.Authorization{}, ReasonMalformedPayload
	}
	if auth.Value.Cmp(required) < 0 {
		return zero, ledger.Authorization{}, ReasonAmountMismatch
	}
	return backend, auth, ""
}

func (s *Service) publishEntry(ctx context.Context, backend provider.Backend, receipt ledger.Receipt) {
	if s.journal == nil {
		return
	}
	entry := txlog.Entry{
		Reference:  receipt.Reference,
		Network:    backend.Network,
		Asset:      backend.Kind.Asset,
		From:       receipt.From.Hex(),
		To:         receipt.To.Hex(),
		Value:      receipt.Value.String(),
		Nonce:      "0x" + nonceHex(receipt.Nonce),
		ExecutedAt: receipt.ExecutedAt,
	}
	if err := s.journal.Publish(ctx, entry); err != nil {
		s.logError("投递结算流水失败",
			slog.String("reference", receipt.Reference),
			slog.String("network", backend.Network),
			slog.Any("error", err),
		)
	}
}

// reasonForError 把账本错误映射为线路层失败原因。
func reasonForError(err error) string {
	switch {
	case stdErrors.Is(err, ledger.ErrAuthorizationNotYetValid):
		return ReasonNotYetValid
	case stdErrors.Is(err, ledger.ErrAuthorizationExpired):
		return ReasonExpired
	case stdErrors.Is(err, ledger.ErrNonceReused):
		return ReasonNonceUsed
	case stdErrors.Is(err, ledger.ErrInvalidSignature):
		return ReasonInvalidSignature
	case stdErrors.Is(err, ledger.ErrInsufficientBalance):
		return ReasonInsufficientBalance
	default:
		return ReasonSettlementFailed
	}
}

func (s *Service) logInfo(msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Info(msg, attrs...)
		return
	}
	logger.L().Info(msg, attrs...)
}

func (s *Service) logError(msg string, attrs ...any) {
	if s.logger != nil {
		s.logger.Error(msg, attrs...)
		return
	}
	logger.L().Error(msg, attrs...)
}
