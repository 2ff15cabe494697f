package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only, 每行一個 JSON 事件）
// 2. 提供重放功能以恢復 memory store
// 3. 支援日誌旋轉（快照後移除已涵蓋的事件）
// 4. 確保資料完整性（CRC32 + 遞增 seq）
//
// 崩潰時最後一行可能只寫了一半；Open 會截掉殘缺的尾端並從最後一個
// 完整事件繼續編號。中段損毀則回傳 *CorruptionError。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex // 保護並發寫入
	file         *os.File   // 以 O_APPEND 開啟的 WAL 檔案
	path         string     // WAL 檔案路徑
	seq          uint64     // 最後一個事件序號
	syncOnAppend bool       // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描全部事件取得最後的 seq 並繼續
- 殘缺的最後一行會被截掉
*/
func Open(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	last, good, err := scanPath(path, nil)
	torn := errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !torn {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	if torn {
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          last,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一個事件到 WAL，回傳分配到的 seq
//
// payload 為 nil 時事件不帶 Payload（DELETE）。
func (w *WAL) Append(eventType EventType, jobID types.JobID, payload any) (uint64, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("wal: encode payload for %s: %w", jobID, err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	event.Checksum = CalculateChecksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("wal: encode event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return 0, fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync seq=%d: %w", event.Seq, err)
		}
	}

	w.seq = event.Seq
	return event.Seq, nil
}

// Replay 依序重放 seq 大於 afterSeq 的事件，回傳套用的事件數
//
// 驗證每個事件的 checksum 與 seq 順序，handler 回傳錯誤時立即停止。
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	applied := 0
	_, _, err := scanPath(w.path, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		applied++
		return handler(event)
	})
	return applied, err
}

// Rotate 移除 seq <= uptoSeq 的事件
//
// 快照寫入後呼叫；序號不重設，後續事件繼續遞增。
// 以暫存檔 + rename 取代原檔，失敗時原檔保持不變。
func (w *WAL) Rotate(uptoSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create rotate file: %w", err)
	}
	enc := json.NewEncoder(tmp)

	_, _, err = scanPath(w.path, func(event Event) error {
		if event.Seq <= uptoSeq {
			return nil
		}
		return enc.Encode(event)
	})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: rotate: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: rotate: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file.Close()
	w.file = file
	return nil
}

// Close 關閉 WAL。關閉後的實例不可重用，重複呼叫無副作用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// LastSeq 取得最後一個事件序號
//
// 用途：快照時記錄 wal_seq，恢復時只重放之後的事件
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Advance 讓後續事件的序號大於 seq
func (w *WAL) Advance(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq = max(w.seq, seq)
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// scanPath 從頭解碼 path 內的事件並交給 fn（可為 nil）
//
// 回傳最後一個完整事件的 seq 與其結束位置。檔案不存在視為空。
func scanPath(path string, fn EventHandler) (uint64, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer f.Close()
	return scan(f, fn)
}

func scan(r io.Reader, fn EventHandler) (uint64, int64, error) {
	dec := json.NewDecoder(r)
	var last uint64
	var good int64

	for {
		var event Event
		if err := dec.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return last, good, nil
			}
			return last, good, &CorruptionError{Seq: last, Offset: good, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return last, good, err
		}
		if event.Seq <= last {
			return last, good, fmt.Errorf("%w: seq=%d after seq=%d", ErrOutOfOrder, event.Seq, last)
		}
		last = event.Seq
		good = dec.InputOffset()

		if fn != nil {
			if err := fn(event); err != nil {
				return last, good, err
			}
		}
	}
}
