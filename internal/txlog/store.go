package txlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "GluePay-Chain/internal/errors"
)

// Store 抽象结算流水的持久化接口。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListLatest(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// FileJournal 以追加写的 JSON 行文件保存流水，便于本地部署与排查。
type FileJournal struct {
	mu       sync.RWMutex
	dataFile string
	entries  []Entry
}

// NewFileJournal 创建一个文件流水仓库。
func NewFileJournal(dataDir string) (*FileJournal, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	journal := &FileJournal{dataFile: filepath.Join(dataDir, "settlements.log")}
	if err := journal.loadFromDisk(); err != nil {
		return nil, err
	}
	return journal, nil
}

// Append 以追加写的方式记录结算流水。
func (j *FileJournal) Append(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开流水文件失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化流水失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入流水文件失败")
	}

	j.entries = append([]Entry{entry}, j.entries...)
	if len(j.entries) > 512 {
		j.entries = j.entries[:512]
	}
	return nil
}

// ListLatest 返回最近的流水记录，按时间倒序排列。
func (j *FileJournal) ListLatest(_ context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	result := make([]Entry, limit)
	copy(result, j.entries[:limit])
	return result, nil
}

// Close 实现 Store 接口。
func (j *FileJournal) Close() error {
	return nil
}

func (j *FileJournal) loadFromDisk() error {
	file, err := os.Open(j.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取流水文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var loaded []Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		loaded = append([]Entry{entry}, loaded...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("扫描流水文件失败: %w", err)
	}
	if len(loaded) > 512 {
		loaded = loaded[:512]
	}
	j.entries = loaded
	return nil
}
