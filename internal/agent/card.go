package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "GluePay-Chain/internal/errors"
	"GluePay-Chain/internal/facilitator"
	"GluePay-Chain/internal/signing"
)

// WellKnownCardPath 是能力卡片的标准发现路径。
const WellKnownCardPath = "/.well-known/agent-card"

// CapabilityPath 是能力卡片的兼容发现路径。
const CapabilityPath = "/capability"

// Offer 描述卖方的一项可购买能力。价格为最小单位的十进制字符串。
type Offer struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	Resource          string `json:"resource"`
	Price             string `json:"price"`
	Scheme            string `json:"scheme"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// Card 是卖方公开的能力卡片。买方把它当作不可信输入:
// 卡片里的字段只用来填充买方自己签名的授权, 真正的校验发生在结算时。
type Card struct {
	SchemaVersion string   `json:"schemaVersion"`
	IdentityID    string   `json:"identityId"`
	Address       string   `json:"address"`
	Domain        string   `json:"domain,omitempty"`
	Network       string   `json:"network"`
	ChainID       int64    `json:"chainId"`
	Asset         string   `json:"asset"`
	AssetName     string   `json:"assetName"`
	AssetVersion  string   `json:"assetVersion,omitempty"`
	Offers        []Offer  `json:"offers"`
	Requires      []string `json:"requires,omitempty"`
}

// 买方当前能够理解的扩展要求。卡片声明了列表之外的必需扩展时整张卡片被拒绝,
// 而不是静默忽略。
var knownRequirements = map[string]struct{}{
	"eip3009": {},
}

// ParseCard 严格解析能力卡片。未知字段与未知必需扩展都会被拒绝。
func ParseCard(data []byte) (Card, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var card Card
	if err := decoder.Decode(&card); err != nil {
		return Card{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析能力卡片失败")
	}
	if err := card.Validate(); err != nil {
		return Card{}, err
	}
	return card, nil
}

// Validate 校验卡片的必需字段。
func (c Card) Validate() error {
	if strings.TrimSpace(c.IdentityID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片缺少 identityId")
	}
	if !common.IsHexAddress(c.Address) {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片的收款地址非法: "+c.Address)
	}
	if strings.TrimSpace(c.Network) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片缺少 network")
	}
	if c.ChainID <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片缺少 chainId")
	}
	if !common.IsHexAddress(c.Asset) {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片的资产地址非法: "+c.Asset)
	}
	if strings.TrimSpace(c.AssetName) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片缺少 assetName")
	}
	if len(c.Offers) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片不包含任何报价")
	}
	for _, offer := range c.Offers {
		if err := offer.Validate(); err != nil {
			return err
		}
	}
	for _, requirement := range c.Requires {
		if _, ok := knownRequirements[requirement]; !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "能力卡片声明了未知的必需扩展: "+requirement)
		}
	}
	return nil
}

// Validate 校验报价的必需字段, 价格必须是正十进制整数。
func (o Offer) Validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报价缺少 name")
	}
	if strings.TrimSpace(o.Resource) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报价缺少 resource")
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(o.Price), 10)
	if !ok || price.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("报价 %s 的价格必须是正十进制整数: %q", o.Name, o.Price))
	}
	return nil
}

// Offer 按名字查找报价。
func (c Card) Offer(name string) (Offer, bool) {
	for _, offer := range c.Offers {
		if offer.Name == name {
			return offer, true
		}
	}
	return Offer{}, false
}

// SigningDomain 由卡片还原资产的 EIP-712 域。买方签名前不需要触链查询。
func (c Card) SigningDomain() signing.Domain {
	version := c.AssetVersion
	if version == "" {
		version = "1"
	}
	return signing.Domain{
		Name:              c.AssetName,
		Version:           version,
		ChainID:           big.NewInt(c.ChainID),
		VerifyingContract: common.HexToAddress(c.Asset),
	}
}

// Requirements 把一项报价展开成支付要求, 买方据此构造授权, 卖方据此校验。
func (c Card) Requirements(offer Offer) facilitator.Requirements {
	scheme := offer.Scheme
	if scheme == "" {
		scheme = "eip3009"
	}
	timeout := offer.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	return facilitator.Requirements{
		Scheme:            scheme,
		Network:           c.Network,
		MaxAmountRequired: offer.Price,
		Resource:          offer.Resource,
		Description:       offer.Description,
		MimeType:          "application/json",
		PayTo:             common.HexToAddress(c.Address).Hex(),
		MaxTimeoutSeconds: timeout,
		Asset:             c.Asset,
	}
}
