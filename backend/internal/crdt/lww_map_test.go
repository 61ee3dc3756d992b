package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

// 并发产生的几个增量：同键冲突、删除与写入交错
func concurrentDeltas() [][]byte {
	a, b, c := New(), New(), New()
	return [][]byte{
		a.Set("A", "title", []byte("hello")),
		b.Set("B", "title", []byte("world")),
		c.Set("C", "body", []byte("x")),
		c.Delete("C", "title"),
		a.Set("A", "body", []byte("y")),
	}
}

func TestMerge_ConvergesUnderAllPermutations(t *testing.T) {
	deltas := concurrentDeltas()
	var want []byte
	for _, perm := range permutations(len(deltas)) {
		d := New()
		for _, i := range perm {
			_, err := d.Merge(deltas[i])
			require.NoError(t, err)
		}
		got := d.Encode()
		if want == nil {
			want = got
			continue
		}
		require.Equal(t, want, got, "order %v diverged", perm)
	}

	d, err := Decode(want)
	require.NoError(t, err)
	// C 的删除时钟为 2，压过 A/B 在时钟 1 的写入
	_, ok := d.Get("title")
	assert.False(t, ok)
	// body: A@2 与 C@1，A 胜
	v, ok := d.Get("body")
	require.True(t, ok)
	assert.Equal(t, []byte("y"), v)
}

func TestMerge_Idempotent(t *testing.T) {
	d := New()
	delta := New().Set("A", "k", []byte("v"))
	changed, err := d.Merge(delta)
	require.NoError(t, err)
	assert.True(t, changed)
	before := d.Encode()

	changed, err = d.Merge(delta)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, d.Encode())

	// 完整状态合并自身也不变
	changed, err = d.Merge(d.Encode())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMerge_TieBreakIsDeterministic(t *testing.T) {
	x := Entry{Key: "k", Value: []byte("1"), Clock: 5, Replica: "r"}
	y := Entry{Key: "k", Value: []byte("2"), Clock: 5, Replica: "r"}
	tomb := Entry{Key: "k", Clock: 5, Replica: "r", Deleted: true}

	assert.True(t, newer(x, y))
	assert.False(t, newer(y, x))
	assert.True(t, newer(y, tomb))
	assert.False(t, newer(tomb, y))
	assert.False(t, newer(x, x))
}

func TestMerge_RejectsGarbage(t *testing.T) {
	d := New()
	d.Set("A", "k", []byte("v"))
	before := d.Encode()

	for _, bad := range [][]byte{
		nil,
		[]byte("not cbor at all"),
		{0xff},
		encodeEntries([]Entry{{Key: "", Clock: 1, Replica: "A"}}),
		encodeEntries([]Entry{{Key: "k", Clock: 1}}),
	} {
		_, err := d.Merge(bad)
		assert.ErrorIs(t, err, ErrInvalidUpdate)
		assert.Equal(t, before, d.Encode())
	}
}

func TestLocalClockAdvancesPastRemote(t *testing.T) {
	remote := New()
	for i := 0; i < 5; i++ {
		remote.Set("R", "k", []byte{byte(i)})
	}
	local := New()
	_, err := local.Merge(remote.Encode())
	require.NoError(t, err)

	delta := local.Set("L", "k", []byte("mine"))
	_, err = remote.Merge(delta)
	require.NoError(t, err)

	v, ok := remote.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("mine"), v)
	assert.Equal(t, local.Encode(), remote.Encode())
	assert.Equal(t, []string{"k"}, remote.Keys())
}

func TestDecode_EmptyAndValidate(t *testing.T) {
	d, err := Decode(nil)
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.Error(t, Validate(nil))
	assert.NoError(t, Validate(New().Encode()))
}
