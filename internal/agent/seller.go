package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"GluePay-Chain/internal/facilitator"
	"GluePay-Chain/internal/identity"
	"GluePay-Chain/internal/reputation"
	"GluePay-Chain/pkg/logger"
)

// PaymentHeader 承载 base64 编码的支付载荷。
const PaymentHeader = "X-Payment"

// SettlementHeader 在成功响应上携带结算回执号。
const SettlementHeader = "X-Settlement-Reference"

// paymentRequiredBody 是 402 响应体, 告诉买方缺什么以及怎么付。
type paymentRequiredBody struct {
	X402Version int                        `json:"x402Version"`
	Accepts     []facilitator.Requirements `json:"accepts"`
	Error       string                     `json:"error"`
}

// Seller 按能力卡片出售资源。每个付费端点都经过 RequirePayment 包装:
// 没有有效支付的请求只会看到 402 与支付要求, 资源处理器不会被执行。
type Seller struct {
	card        Card
	facilitator Facilitator
	directory   identity.Directory
	ratings     reputation.Store
	clientScore int
	logger      *slog.Logger
}

// SellerOption 定制卖方行为。
type SellerOption func(*Seller)

// WithSellerLogger 注入卖方日志器。
func WithSellerLogger(l *slog.Logger) SellerOption {
	return func(s *Seller) {
		s.logger = l
	}
}

// WithClientRating 让卖方在每次成功结算后给买方身份记一个固定分。
// 分数覆盖同键旧值, 表达的是最近一次交易的体验。
func WithClientRating(directory identity.Directory, ratings reputation.Store, score int) SellerOption {
	return func(s *Seller) {
		s.directory = directory
		s.ratings = ratings
		s.clientScore = score
	}
}

// NewSeller 构造卖方。卡片在此处校验一次, 之后按原样对外公开。
func NewSeller(card Card, fac Facilitator, opts ...SellerOption) (*Seller, error) {
	if err := card.Validate(); err != nil {
		return nil, err
	}
	seller := &Seller{card: card, facilitator: fac}
	for _, opt := range opts {
		opt(seller)
	}
	return seller, nil
}

// Card 返回卖方当前公开的能力卡片。
func (s *Seller) Card() Card {
	return s.card
}

// Routes 注册发现端点。两个路径返回同一张卡片。
func (s *Seller) Routes(mux *http.ServeMux) {
	mux.HandleFunc(WellKnownCardPath, s.handleCard)
	mux.HandleFunc(CapabilityPath, s.handleCard)
}

func (s *Seller) handleCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}

// RequirePayment 把一个资源处理器包装成付费端点。支付校验与结算都发生在
// next 之前, next 看到的请求一定已经付过钱。
func (s *Seller) RequirePayment(offerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offer, ok := s.card.Offer(offerName)
		if !ok {
			http.Error(w, "unknown offer: "+offerName, http.StatusNotFound)
			return
		}
		requirements := s.card.Requirements(offer)

		header := r.Header.Get(PaymentHeader)
		if header == "" {
			s.writePaymentRequired(w, requirements, "X-Payment header is required")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			s.writePaymentRequired(w, requirements, "X-Payment header is not valid base64")
			return
		}
		payload, err := facilitator.ParsePayload(raw)
		if err != nil {
			s.writePaymentRequired(w, requirements, facilitator.ReasonMalformedPayload)
			return
		}

		req := facilitator.VerifyRequest{
			X402Version:         facilitator.X402Version,
			PaymentPayload:      payload,
			PaymentRequirements: requirements,
		}
		verdict, err := s.facilitator.Verify(r.Context(), req)
		if err != nil {
			s.logError("支付校验失败", err)
			http.Error(w, "payment verification unavailable", http.StatusBadGateway)
			return
		}
		if !verdict.IsValid {
			s.writePaymentRequired(w, requirements, verdict.InvalidReason)
			return
		}

		settlement, err := s.facilitator.Settle(r.Context(), req)
		if err != nil {
			s.logError("结算调用失败", err)
			http.Error(w, "settlement unavailable", http.StatusBadGateway)
			return
		}
		if !settlement.Success {
			s.writePaymentRequired(w, requirements, settlement.ErrorReason)
			return
		}

		w.Header().Set(SettlementHeader, settlement.Transaction)
		next.ServeHTTP(w, r)
		s.rateClient(r.Context(), settlement.Payer)
	})
}

func (s *Seller) writePaymentRequired(w http.ResponseWriter, requirements facilitator.Requirements, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(paymentRequiredBody{
		X402Version: facilitator.X402Version,
		Accepts:     []facilitator.Requirements{requirements},
		Error:       reason,
	})
}

// rateClient 在成交后给买方记分。评价缺失不影响已完成的交易, 所以任何
// 失败都只记日志。
func (s *Seller) rateClient(ctx context.Context, payer string) {
	if s.ratings == nil || s.directory == nil || payer == "" {
		return
	}
	record, err := s.directory.ResolveByAddress(ctx, common.HexToAddress(payer))
	if err != nil {
		s.logDebug("买方未注册身份, 跳过评价", "payer", payer)
		return
	}
	rating := reputation.Rating{
		Rater:     s.card.IdentityID,
		Ratee:     record.ID,
		Role:      reputation.RoleClient,
		Score:     s.clientScore,
		Metadata:  "settled " + time.Now().UTC().Format(time.RFC3339),
		UpdatedAt: time.Now().Unix(),
	}
	if err := s.ratings.Rate(ctx, rating); err != nil {
		s.logError("记录买方评价失败", err)
	}
}

func (s *Seller) logDebug(msg string, args ...any) {
	l := s.logger
	if l == nil {
		l = logger.L()
	}
	l.Debug(msg, args...)
}

func (s *Seller) logError(msg string, err error) {
	l := s.logger
	if l == nil {
		l = logger.L()
	}
	l.Error(msg, "error", err)
}
