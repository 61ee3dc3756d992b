package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// 存储层的 CRDT 状态帧：[tag][uvarint 原始长度][payload]
const (
	blobRaw byte = 0
	blobLZ4 byte = 1

	// 小于这个长度不尝试压缩
	compressMinSize = 256
	// 解码时原始长度上限，防止损坏数据触发超大分配
	maxBlobSize = 64 << 20
)

var errCorruptBlob = errors.New("corrupt state blob")

func encodeBlob(state []byte) []byte {
	header := make([]byte, 1+binary.MaxVarintLen64)
	n := binary.PutUvarint(header[1:], uint64(len(state)))
	header = header[:1+n]

	if len(state) >= compressMinSize {
		dst := make([]byte, lz4.CompressBlockBound(len(state)))
		written, err := lz4.CompressBlock(state, dst, nil)
		// written==0 表示不可压缩
		if err == nil && written > 0 && written < len(state) {
			header[0] = blobLZ4
			return append(header, dst[:written]...)
		}
	}
	header[0] = blobRaw
	return append(header, state...)
}

func decodeBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	size, n := binary.Uvarint(blob[1:])
	if n <= 0 || size > maxBlobSize {
		return nil, errCorruptBlob
	}
	payload := blob[1+n:]
	switch blob[0] {
	case blobRaw:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("%w: size %d, have %d", errCorruptBlob, size, len(payload))
		}
		return append([]byte(nil), payload...), nil
	case blobLZ4:
		dst := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorruptBlob, err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("%w: size %d, got %d", errCorruptBlob, size, read)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", errCorruptBlob, blob[0])
	}
}
