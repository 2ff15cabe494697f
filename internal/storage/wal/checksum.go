package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq + Type + JobID + Payload 原始位元組。
// 不包含 Timestamp 與 Checksum 本身。
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	buf := strconv.AppendUint(nil, event.Seq, 10)
	buf = append(buf, '|')
	buf = append(buf, event.Type...)
	buf = append(buf, '|')
	buf = append(buf, event.JobID...)
	buf = append(buf, '|')
	h.Write(buf)
	h.Write(event.Payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和，不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
