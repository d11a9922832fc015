package agent

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/facilitator"
	"GluePay-Chain/internal/ledger"
	"GluePay-Chain/internal/reputation"
	"GluePay-Chain/internal/signing"
	"GluePay-Chain/pkg/logger"
)

// maxBodyBytes 限制买方读取的响应体大小。卡片和付费资源都来自不可信对端。
const maxBodyBytes = 1 << 20

// clockSkewSeconds 是授权生效时间相对当前时刻的提前量, 容忍买卖双方与
// 结算方之间的时钟偏差。
const clockSkewSeconds = 60

// ErrPaymentConsumed 表示授权已被结算但响应丢失。此时重签新授权会二次付款,
// 买方应当凭 nonce 向卖方或结算方追索, 而不是重试购买。
var ErrPaymentConsumed = errors.New("授权已结算但未收到响应")

// ErrPaymentRejected 表示卖方以 402 拒绝了这次支付。
type ErrPaymentRejected struct {
	Reason  string
	Accepts []facilitator.Requirements
}

func (e *ErrPaymentRejected) Error() string {
	return "支付被拒绝: " + e.Reason
}

// PurchaseResult 是一次成功购买的产物。
type PurchaseResult struct {
	Body       []byte
	StatusCode int
	// Settlement 是结算回执号, 可用于事后对账。
	Settlement string
}

// Buyer 持有私钥, 发现卖方能力并用签名授权付费购买。
type Buyer struct {
	key         *ecdsa.PrivateKey
	address     common.Address
	facilitator Facilitator
	client      *http.Client
	ratings     reputation.Store
	identityID  string
	logger      *slog.Logger
	now         func() int64
}

// BuyerOption 定制买方行为。
type BuyerOption func(*Buyer)

// WithHTTPClient 替换买方的 HTTP 客户端。
func WithHTTPClient(client *http.Client) BuyerOption {
	return func(b *Buyer) {
		b.client = client
	}
}

// WithSellerRating 让买方在成功购买后给卖方身份记分。
func WithSellerRating(ratings reputation.Store, identityID string) BuyerOption {
	return func(b *Buyer) {
		b.ratings = ratings
		b.identityID = identityID
	}
}

// WithBuyerLogger 注入买方日志器。
func WithBuyerLogger(l *slog.Logger) BuyerOption {
	return func(b *Buyer) {
		b.logger = l
	}
}

// WithBuyerClock 替换时钟, 仅用于测试授权时间窗。
func WithBuyerClock(now func() int64) BuyerOption {
	return func(b *Buyer) {
		b.now = now
	}
}

// NewBuyer 构造买方。fac 用于超时后按 nonce 查询授权是否已被消耗,
// 传 nil 时买方在响应丢失后无法区分已付与未付。
func NewBuyer(key *ecdsa.PrivateKey, fac Facilitator, opts ...BuyerOption) (*Buyer, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "买方私钥不能为空")
	}
	buyer := &Buyer{
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		facilitator: fac,
		client:      &http.Client{Timeout: 30 * time.Second},
		now:         func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(buyer)
	}
	return buyer, nil
}

// Address 返回买方的付款地址。
func (b *Buyer) Address() common.Address {
	return b.address
}

// Discover 拉取卖方能力卡片。优先标准发现路径, 404 时退回兼容路径。
func (b *Buyer) Discover(ctx context.Context, baseURL string) (Card, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	data, status, err := b.get(ctx, baseURL+WellKnownCardPath)
	if err != nil {
		return Card{}, err
	}
	if status == http.StatusNotFound {
		data, status, err = b.get(ctx, baseURL+CapabilityPath)
		if err != nil {
			return Card{}, err
		}
	}
	if status != http.StatusOK {
		return Card{}, fmt.Errorf("发现能力卡片失败: HTTP %d", status)
	}
	return ParseCard(data)
}

func (b *Buyer) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

// SignPayment 为一项报价构造并签名支付载荷。时间窗由报价的超时上限决定,
// 生效时间提前一个时钟偏差量。每次调用都抽取新 nonce。
func (b *Buyer) SignPayment(card Card, offer Offer) (facilitator.PaymentPayload, ledger.Authorization, error) {
	price, ok := new(big.Int).SetString(strings.TrimSpace(offer.Price), 10)
	if !ok || price.Sign() <= 0 {
		return facilitator.PaymentPayload{}, ledger.Authorization{},
			xerrors.New(xerrors.CodeInvalidArgument, "报价价格非法: "+offer.Price)
	}
	nonce, err := signing.RandomNonce()
	if err != nil {
		return facilitator.PaymentPayload{}, ledger.Authorization{}, err
	}

	timeout := offer.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	now := b.now()
	auth := ledger.Authorization{
		From:        b.address,
		To:          common.HexToAddress(card.Address),
		Value:       price,
		ValidAfter:  now - clockSkewSeconds,
		ValidBefore: now + int64(timeout),
		Nonce:       nonce,
	}

	domain := card.SigningDomain()
	digest, err := signing.TransferDigest(domain, auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce)
	if err != nil {
		return facilitator.PaymentPayload{}, ledger.Authorization{}, err
	}
	auth.Signature, err = signing.Sign(digest, b.key)
	if err != nil {
		return facilitator.PaymentPayload{}, ledger.Authorization{}, err
	}

	scheme := offer.Scheme
	if scheme == "" {
		scheme = "eip3009"
	}
	payload := facilitator.PaymentPayload{
		X402Version: facilitator.X402Version,
		Scheme:      scheme,
		Network:     card.Network,
		Payload:     facilitator.EncodeAuthorization(auth),
	}
	return payload, auth, nil
}

// Purchase 发现报价并完成一次付费购买。响应超时时不会重签授权, 而是按
// nonce 查询授权状态: 已消耗返回 ErrPaymentConsumed, 未消耗按普通失败返回,
// 调用方可以安全重试。
func (b *Buyer) Purchase(ctx context.Context, baseURL, offerName string) (*PurchaseResult, error) {
	card, err := b.Discover(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	offer, ok := card.Offer(offerName)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "卖方不提供报价: "+offerName)
	}

	payload, auth, err := b.SignPayment(card, offer)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resource := offer.Resource
	if strings.HasPrefix(resource, "/") {
		resource = strings.TrimRight(baseURL, "/") + resource
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(PaymentHeader, base64.StdEncoding.EncodeToString(encoded))

	resp, err := b.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, b.resolveLostResponse(ctx, card.Network, auth)
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		var rejection paymentRequiredBody
		if err := json.Unmarshal(body, &rejection); err != nil {
			return nil, &ErrPaymentRejected{Reason: "HTTP 402"}
		}
		return nil, &ErrPaymentRejected{Reason: rejection.Error, Accepts: rejection.Accepts}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("购买失败: HTTP %d", resp.StatusCode)
	}

	result := &PurchaseResult{
		Body:       body,
		StatusCode: resp.StatusCode,
		Settlement: resp.Header.Get(SettlementHeader),
	}
	b.rateSeller(ctx, card)
	return result, nil
}

// resolveLostResponse 在响应丢失后判定这笔授权的下落。
func (b *Buyer) resolveLostResponse(ctx context.Context, network string, auth ledger.Authorization) error {
	if b.facilitator == nil {
		return fmt.Errorf("响应超时且无法查询授权状态: nonce %s", hex.EncodeToString(auth.Nonce[:]))
	}
	status, err := b.facilitator.AuthorizationStatus(ctx, facilitator.StatusRequest{
		Network: network,
		Payer:   auth.From.Hex(),
		Nonce:   "0x" + hex.EncodeToString(auth.Nonce[:]),
	})
	if err != nil {
		return fmt.Errorf("响应超时且授权状态查询失败: %w", err)
	}
	if status.Used {
		return ErrPaymentConsumed
	}
	return fmt.Errorf("响应超时, 授权未被消耗, 可安全重试")
}

// rateSeller 在成功购买后给卖方记满意分。失败只记日志。
func (b *Buyer) rateSeller(ctx context.Context, card Card) {
	if b.ratings == nil || b.identityID == "" {
		return
	}
	rating := reputation.Rating{
		Rater:     b.identityID,
		Ratee:     card.IdentityID,
		Role:      reputation.RoleSeller,
		Score:     reputation.MaxScore,
		Metadata:  "purchase " + time.Now().UTC().Format(time.RFC3339),
		UpdatedAt: time.Now().Unix(),
	}
	if err := b.ratings.Rate(ctx, rating); err != nil {
		l := b.logger
		if l == nil {
			l = logger.L()
		}
		l.Error("记录卖方评价失败", "error", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
