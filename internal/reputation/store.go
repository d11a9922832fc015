package reputation

import (
	"context"

	xerrors "GluePay-Chain/internal/errors"
)

// Role 标记被评价方在交易中的角色。角色是键的一部分，新增评价方向只需要
// 新增角色值，已有键的布局与行为保持不变。
type Role string

const (
	// RoleSeller 买家评卖家。
	RoleSeller Role = "ratee-as-seller"
	// RoleClient 卖家评买家。
	RoleClient Role = "ratee-as-client"
	// RoleValidator 卖家评第三方质检方。
	RoleValidator Role = "ratee-as-validator"
)

// 分数的有效区间。
const (
	MinScore = 0
	MaxScore = 100
)

// Rating 是一条以 (rater, ratee, role) 为键的评价记录。同键后写覆盖先写，
// 保留的是最新评估而非历史均值。
type Rating struct {
	Rater     string `json:"rater"`
	Ratee     string `json:"ratee"`
	Role      Role   `json:"role"`
	Score     int    `json:"score"`
	Metadata  string `json:"metadata,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Store 抽象评价记录的持久化接口。GetAllRatingsFor 不对评价方的诚实性做
// 任何过滤，Sybil 防护交由生态层策略处理。
type Store interface {
	Rate(ctx context.Context, rating Rating) error
	GetRating(ctx context.Context, rater, ratee string, role Role) (*Rating, error)
	GetAllRatingsFor(ctx context.Context, ratee string) ([]*Rating, error)
	Close() error
}

var (
	// ErrScoreOutOfRange 表示分数超出有效区间。
	ErrScoreOutOfRange = xerrors.New(CodeScoreOutOfRange, "score out of range")
	// ErrUnknownIdentity 表示评价方或被评方未注册。
	ErrUnknownIdentity = xerrors.New(CodeUnknownIdentity, "unknown identity")
	// ErrRatingNotFound 表示指定键下没有评价记录。
	ErrRatingNotFound = xerrors.New(CodeRatingNotFound, "rating not found")
)

const (
	CodeScoreOutOfRange xerrors.Code = "SCORE_OUT_OF_RANGE"
	CodeUnknownIdentity xerrors.Code = "UNKNOWN_IDENTITY"
	CodeRatingNotFound  xerrors.Code = "RATING_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeScoreOutOfRange, xerrors.Attributes{
		Message:   "score out of range",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownIdentity, xerrors.Attributes{
		Message:   "unknown identity",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRatingNotFound, xerrors.Attributes{
		Message:   "rating not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ValidateScore 校验分数区间。
func ValidateScore(score int) error {
	if score < MinScore || score > MaxScore {
		return ErrScoreOutOfRange
	}
	return nil
}
