package facilitator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/ledger"
)

// X402Version 是当前支持的协议版本。
const X402Version = 1

// AuthorizationJSON 是线路格式的转账授权。数值字段使用十进制字符串，
// nonce 与签名使用 0x 前缀的十六进制，与链上 EIP-3009 调用参数一致。
type AuthorizationJSON struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload 是 eip3009 方案的载荷：授权本体加付款方签名。
type ExactPayload struct {
	Signature     string            `json:"signature"`
	Authorization AuthorizationJSON `json:"authorization"`
}

// PaymentPayload 是买方随请求提交的支付载荷。
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// Requirements 是卖方声明的支付要求，买方签名的授权必须满足它。
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// VerifyRequest 是 /verify 与 /settle 共用的请求体。
type VerifyRequest struct {
	X402Version         int            `json:"x402Version"`
	PaymentPayload      PaymentPayload `json:"paymentPayload"`
	PaymentRequirements Requirements   `json:"paymentRequirements"`
}

// SettleRequest 与 VerifyRequest 结构一致。
type SettleRequest = VerifyRequest

// VerifyResponse 是 /verify 的响应体。
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse 是 /settle 的响应体。Transaction 为结算凭据:
// 本地账本是 uuid, EVM 后端是交易哈希。
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// SupportedKind 是 /supported 列表中的一项。
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
}

// SupportedResponse 是 /supported 的响应体。
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// StatusRequest 描述一次结算状态复查。买方在结算超时后凭 (payer, nonce)
// 查询授权是否已被消费, 避免重复付款。
type StatusRequest struct {
	Network string `json:"network"`
	Payer   string `json:"payer"`
	Nonce   string `json:"nonce"`
}

// StatusResponse 是状态复查的结果。
type StatusResponse struct {
	Network string `json:"network"`
	Payer   string `json:"payer"`
	Nonce   string `json:"nonce"`
	Used    bool   `json:"used"`
}

// 校验失败原因。卖方据此区分可重试与终态失败，不得合并为笼统错误。
const (
	ReasonUnsupportedVersion  = "unsupported_x402_version"
	ReasonUnsupportedScheme   = "unsupported_scheme"
	ReasonUnsupportedNetwork  = "unsupported_network"
	ReasonMalformedPayload    = "malformed_payload"
	ReasonPayeeMismatch       = "payee_mismatch"
	ReasonAssetMismatch       = "asset_mismatch"
	ReasonAmountMismatch      = "amount_insufficient"
	ReasonNotYetValid         = "authorization_not_yet_valid"
	ReasonExpired             = "authorization_expired"
	ReasonNonceUsed           = "nonce_already_used"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonInsufficientBalance = "insufficient_funds"
	ReasonSettlementFailed    = "settlement_failed"
)

// ParsePayload 将 base64 解码后的支付载荷解析为线路结构。
// 未知字段直接拒绝, 不信任外部输入。
func ParsePayload(data []byte) (PaymentPayload, error) {
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	var payload PaymentPayload
	if err := decoder.Decode(&payload); err != nil {
		return PaymentPayload{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析支付载荷失败")
	}
	return payload, nil
}

// DecodeAuthorization 把线路格式的授权转换为账本授权, 逐字段严格校验。
func DecodeAuthorization(payload ExactPayload) (ledger.Authorization, error) {
	var auth ledger.Authorization

	from, err := parseAddress(payload.Authorization.From, "from")
	if err != nil {
		return auth, err
	}
	to, err := parseAddress(payload.Authorization.To, "to")
	if err != nil {
		return auth, err
	}
	value, err := parseAmount(payload.Authorization.Value)
	if err != nil {
		return auth, err
	}
	validAfter, err := parseTimestamp(payload.Authorization.ValidAfter, "validAfter")
	if err != nil {
		return auth, err
	}
	validBefore, err := parseTimestamp(payload.Authorization.ValidBefore, "validBefore")
	if err != nil {
		return auth, err
	}
	nonce, err := parseNonce(payload.Authorization.Nonce)
	if err != nil {
		return auth, err
	}
	signature, err := parseSignature(payload.Signature)
	if err != nil {
		return auth, err
	}

	return ledger.Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
		Signature:   signature,
	}, nil
}

// EncodeAuthorization 把账本授权编码回线路格式, 供买方构造 X-Payment 头。
func EncodeAuthorization(auth ledger.Authorization) ExactPayload {
	return ExactPayload{
		Signature: hexutil.Encode(auth.Signature),
		Authorization: AuthorizationJSON{
			From:        auth.From.Hex(),
			To:          auth.To.Hex(),
			Value:       auth.Value.String(),
			ValidAfter:  fmt.Sprintf("%d", auth.ValidAfter),
			ValidBefore: fmt.Sprintf("%d", auth.ValidBefore),
			Nonce:       hexutil.Encode(auth.Nonce[:]),
		},
	}
}

// CancelRequest 是撤销授权的线路格式。
type CancelRequest struct {
	Network    string `json:"network"`
	Authorizer string `json:"authorizer"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
}

// DecodeCancellation 把线路格式的撤销请求转换为账本撤销结构。
func DecodeCancellation(req CancelRequest) (ledger.Cancellation, error) {
	authorizer, err := parseAddress(req.Authorizer, "authorizer")
	if err != nil {
		return ledger.Cancellation{}, err
	}
	nonce, err := parseNonce(req.Nonce)
	if err != nil {
		return ledger.Cancellation{}, err
	}
	signature, err := parseSignature(req.Signature)
	if err != nil {
		return ledger.Cancellation{}, err
	}
	return ledger.Cancellation{Authorizer: authorizer, Nonce: nonce, Signature: signature}, nil
}

func parseAddress(raw, field string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("字段 %s 不是合法地址: %q", field, raw))
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("金额必须是正十进制整数: %q", raw))
	}
	return value, nil
}

func parseTimestamp(raw, field string) (int64, error) {
	ts, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || !ts.IsInt64() || ts.Sign() < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("字段 %s 不是合法时间戳: %q", field, raw))
	}
	return ts.Int64(), nil
}

func parseNonce(raw string) ([32]byte, error) {
	var nonce [32]byte
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != 32 {
		return nonce, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("nonce 必须是 32 字节十六进制: %q", raw))
	}
	copy(nonce[:], decoded)
	return nonce, nil
}

func sortKinds(kinds []SupportedKind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
}

func nonceHex(nonce [32]byte) string {
	return hex.EncodeToString(nonce[:])
}

func parseSignature(raw string) ([]byte, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(decoded) != 65 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("签名必须是 65 字节十六进制: %q", raw))
	}
	return decoded, nil
}
