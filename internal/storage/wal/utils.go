package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查 WAL 檔案（ttq wal 子命令使用）
// ============================================================================

import (
	"fmt"
	"io"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件，檔案為空時回傳 nil
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, _, err := scanPath(path, func(event Event) error {
		last = &event
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	_, _, err := scanPath(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（旋轉後不一定從 1 開始）
func ValidateWAL(path string) error {
	_, _, err := scanPath(path, nil)
	return err
}

// DumpWAL 以每行一個事件的格式輸出 WAL 內容
func DumpWAL(path string, w io.Writer) error {
	_, _, err := scanPath(path, func(event Event) error {
		_, err := fmt.Fprintf(w, "%6d %-6s %s %s\n", event.Seq, event.Type, event.JobID, event.Payload)
		return err
	})
	return err
}
