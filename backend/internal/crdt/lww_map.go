// Package crdt 实现基于增量状态的 LWW-Map。
//
// 每个键是一个 last-writer-wins 寄存器，时间戳为 (Clock, Replica) 的 Lamport 对；
// 删除留下墓碑。完整状态和增量使用同一种编码，因此快照本身也可以作为增量合并。
// 合并满足交换律、结合律和幂等律，持有相同条目的副本编码出完全相同的字节。
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidUpdate = errors.New("INVALID_UPDATE")

type Entry struct {
	Key     string `cbor:"k"`
	Value   []byte `cbor:"v,omitempty"`
	Clock   uint64 `cbor:"c"`
	Replica string `cbor:"r"`
	Deleted bool   `cbor:"d,omitempty"`
}

// newer 判断 b 是否压过 a。时间戳相同时依次比较副本 id、墓碑、值字节，
// 保证任何副本对同一对条目得出相同结论。
func newer(a, b Entry) bool {
	if a.Clock != b.Clock {
		return b.Clock > a.Clock
	}
	if a.Replica != b.Replica {
		return b.Replica > a.Replica
	}
	if a.Deleted != b.Deleted {
		return b.Deleted
	}
	return bytes.Compare(b.Value, a.Value) > 0
}

// Doc 一个副本的完整状态。非并发安全，由调用方加锁。
type Doc struct {
	entries map[string]Entry
	clock   uint64
}

func New() *Doc {
	return &Doc{entries: make(map[string]Entry)}
}

// Decode 解析完整状态；空输入得到空文档
func Decode(state []byte) (*Doc, error) {
	d := New()
	if len(state) == 0 {
		return d, nil
	}
	entries, err := decodeEntries(state)
	if err != nil {
		return nil, err
	}
	d.mergeEntries(entries)
	return d, nil
}

// Validate 只检查字节能否作为增量合并，不修改任何状态
func Validate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}
	_, err := decodeEntries(update)
	return err
}

func decodeEntries(b []byte) ([]Entry, error) {
	var w wire
	if err := decMode.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for i := range w.Entries {
		e := &w.Entries[i]
		if e.Key == "" {
			return nil, fmt.Errorf("%w: entry %d has empty key", ErrInvalidUpdate, i)
		}
		if e.Replica == "" {
			return nil, fmt.Errorf("%w: entry %q has no replica", ErrInvalidUpdate, e.Key)
		}
		if e.Deleted {
			e.Value = nil
		}
	}
	return w.Entries, nil
}

// Merge 合并一个增量（或完整状态）。解码失败时状态不变。
func (d *Doc) Merge(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}
	entries, err := decodeEntries(update)
	if err != nil {
		return false, err
	}
	return d.mergeEntries(entries), nil
}

// MergeDoc 把另一个副本的全部条目合并进来
func (d *Doc) MergeDoc(other *Doc) bool {
	changed := false
	for _, e := range other.entries {
		if d.put(e) {
			changed = true
		}
	}
	return changed
}

func (d *Doc) mergeEntries(entries []Entry) bool {
	changed := false
	for _, e := range entries {
		if d.put(e) {
			changed = true
		}
	}
	return changed
}

func (d *Doc) put(e Entry) bool {
	if e.Clock > d.clock {
		d.clock = e.Clock
	}
	cur, ok := d.entries[e.Key]
	if ok && !newer(cur, e) {
		return false
	}
	e.Value = append([]byte(nil), e.Value...)
	if len(e.Value) == 0 {
		e.Value = nil
	}
	d.entries[e.Key] = e
	return true
}

// Encode 按键排序后编码，结果与合并顺序无关
func (d *Doc) Encode() []byte {
	return encodeEntries(d.sorted())
}

func (d *Doc) sorted() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func encodeEntries(entries []Entry) []byte {
	if entries == nil {
		entries = []Entry{}
	}
	b, err := encMode.Marshal(wire{Entries: entries})
	if err != nil {
		// 只含基本类型，编码不会失败
		panic("crdt: encode: " + err.Error())
	}
	return b
}

// Len 条目数（含墓碑）
func (d *Doc) Len() int { return len(d.entries) }

func (d *Doc) Empty() bool { return len(d.entries) == 0 }

// Get 返回键的当前值；不存在或已删除返回 false
func (d *Doc) Get(key string) ([]byte, bool) {
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Keys 存活键，按字典序
func (d *Doc) Keys() []string {
	keys := make([]string, 0, len(d.entries))
	for k, e := range d.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Set 在本副本上写入并返回对应增量，时钟取已见最大值 +1
func (d *Doc) Set(replica, key string, value []byte) []byte {
	d.clock++
	e := Entry{Key: key, Value: value, Clock: d.clock, Replica: replica}
	d.put(e)
	return encodeEntries([]Entry{d.entries[key]})
}

// Delete 写入墓碑并返回对应增量
func (d *Doc) Delete(replica, key string) []byte {
	d.clock++
	e := Entry{Key: key, Clock: d.clock, Replica: replica, Deleted: true}
	d.put(e)
	return encodeEntries([]Entry{d.entries[key]})
}
