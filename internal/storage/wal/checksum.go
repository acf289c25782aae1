package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq + TaskID + 原始訊息內容，不包含 Timestamp
func CalculateChecksum(seq uint64, taskID types.TaskID, message []byte) uint32 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	h := crc32.NewIEEE()
	h.Write(seqBuf[:])
	h.Write([]byte(taskID))
	h.Write(message)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Seq, event.TaskID, event.Message)
}
