package txlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func sampleEntry(i int) Entry {
	return Entry{
		Reference:  fmt.Sprintf("ref-%d", i),
		Network:    "avalanche-fuji",
		Asset:      "0x3bD218e9299C31cbf58419cae2E38e7E3dC0A183",
		From:       "0x1111111111111111111111111111111111111111",
		To:         "0x2222222222222222222222222222222222222222",
		Value:      "10",
		Nonce:      fmt.Sprintf("0x%064d", i),
		ExecutedAt: time.Now().Unix(),
	}
}

func TestRecorderPersistsEntries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewFileJournal(t.TempDir())
	if err != nil {
		t.Fatalf("创建流水仓库失败: %v", err)
	}
	queue := NewMemoryQueue(64)
	recorder := NewRecorder(store, queue, WithWorkerCount(4))

	recorderCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := recorder.Start(recorderCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("recorder exited: %v", err)
		}
	}()

	total := 50
	for i := 0; i < total; i++ {
		if err := queue.Publish(ctx, sampleEntry(i)); err != nil {
			t.Fatalf("投递流水失败: %v", err)
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		entries, err := store.ListLatest(ctx, total)
		if err != nil {
			t.Fatalf("读取流水失败: %v", err)
		}
		if len(entries) == total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("超时: 已记录 %d/%d 条流水", len(entries), total)
		case <-time.After(20 * time.Millisecond):
		}
	}

	stop()
	<-done
}

func TestFileJournalReloadsFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileJournal(dir)
	if err != nil {
		t.Fatalf("创建流水仓库失败: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := first.Append(ctx, sampleEntry(i)); err != nil {
			t.Fatalf("写入流水失败: %v", err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("关闭流水仓库失败: %v", err)
	}

	second, err := NewFileJournal(dir)
	if err != nil {
		t.Fatalf("重新打开流水仓库失败: %v", err)
	}
	entries, err := second.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("读取流水失败: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("期望恢复 3 条流水, 实际 %d 条", len(entries))
	}
	if entries[0].Reference != "ref-2" {
		t.Fatalf("期望最新流水为 ref-2, 实际 %s", entries[0].Reference)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entry := sampleEntry(7)
	data, err := Encode(entry)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if decoded != entry {
		t.Fatalf("解码结果不一致: %+v != %+v", decoded, entry)
	}
}
