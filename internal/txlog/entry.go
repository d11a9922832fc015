package txlog

import (
	"encoding/json"

	xerrors "GluePay-Chain/internal/errors"
)

// Entry 是一条结算流水。成功的授权转账在结算完成后投递到流水队列，
// 由记录器异步落库；结算路径本身不等待流水写入。
type Entry struct {
	Reference  string `json:"reference"`
	Network    string `json:"network"`
	Asset      string `json:"asset"`
	From       string `json:"from"`
	To         string `json:"to"`
	Value      string `json:"value"`
	Nonce      string `json:"nonce"`
	ExecutedAt int64  `json:"executed_at"`
}

const (
	CodeJournalPublish xerrors.Code = "JOURNAL_PUBLISH_FAILED"
	CodeJournalRecord  xerrors.Code = "JOURNAL_RECORD_FAILED"
)

func init() {
	xerrors.Register(CodeJournalPublish, xerrors.Attributes{
		Message:   "failed to publish settlement entry",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJournalRecord, xerrors.Attributes{
		Message:   "failed to record settlement entry",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Encode 将流水序列化为队列消息体。
func Encode(entry Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化结算流水失败")
	}
	return data, nil
}

// Decode 从队列消息体还原流水。
func Decode(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析结算流水失败")
	}
	return entry, nil
}
