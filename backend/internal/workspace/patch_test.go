package workspace

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Workspace {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &Workspace{
		ID:      "w1",
		Name:    "Sales",
		OwnerID: "alice",
		Members: []Member{
			{Username: "alice", Role: RoleOwner, JoinedAt: t0},
			{Username: "bob", Role: RoleEditor, JoinedAt: t0},
		},
		Version:   3,
		IsActive:  true,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestApply_ReplaceName(t *testing.T) {
	ws := sample()
	next, err := Apply(ws, Patch{{Op: OpReplace, Path: "/name", Value: raw("Q3")}})
	require.NoError(t, err)
	assert.Equal(t, "Q3", next.Name)
	// 原记录不变
	assert.Equal(t, "Sales", ws.Name)
	assert.Equal(t, ws.Version, next.Version)
}

func TestApply_AddSchemaToEmptyList(t *testing.T) {
	ws := sample()
	ws.SharedSchemas = nil
	next, err := Apply(ws, Patch{{
		Op:    OpAdd,
		Path:  "/sharedSchemas/-",
		Value: raw(map[string]any{"schemaId": "s1", "name": "orders", "scripts": "select 1", "lastModified": "2024-05-01T10:00:00Z"}),
	}})
	require.NoError(t, err)
	require.Len(t, next.SharedSchemas, 1)
	assert.Equal(t, "s1", next.SharedSchemas[0].SchemaID)
}

func TestApply_TestOpGuards(t *testing.T) {
	ws := sample()
	_, err := Apply(ws, Patch{
		{Op: OpTest, Path: "/name", Value: raw("nope")},
		{Op: OpReplace, Path: "/name", Value: raw("x")},
	})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	next, err := Apply(ws, Patch{
		{Op: OpTest, Path: "/version", Value: raw(3)},
		{Op: OpReplace, Path: "/name", Value: raw("x")},
	})
	require.NoError(t, err)
	assert.Equal(t, "x", next.Name)
}

func TestApply_Rejects(t *testing.T) {
	cases := map[string]Patch{
		"empty":            {},
		"unknown op":       {{Op: "merge", Path: "/name", Value: raw("x")}},
		"missing value":    {{Op: OpReplace, Path: "/name"}},
		"bad pointer":      {{Op: OpReplace, Path: "name", Value: raw("x")}},
		"root pointer":     {{Op: OpReplace, Path: "", Value: raw("x")}},
		"unknown field":    {{Op: OpAdd, Path: "/color", Value: raw("red")}},
		"protected id":     {{Op: OpReplace, Path: "/id", Value: raw("w2")}},
		"protected ver":    {{Op: OpReplace, Path: "/version", Value: raw(9)}},
		"protected create": {{Op: OpRemove, Path: "/createdAt"}},
		"move protected":   {{Op: OpMove, From: "/id", Path: "/name"}},
		"missing path":     {{Op: OpRemove, Path: "/members/7"}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Apply(sample(), p)
			assert.ErrorIs(t, err, ErrInvalidPatch)
		})
	}
}

func TestApply_InvalidRecord(t *testing.T) {
	cases := map[string]Patch{
		"wrong type":       {{Op: OpReplace, Path: "/name", Value: raw(12)}},
		"empty name":       {{Op: OpReplace, Path: "/name", Value: raw("")}},
		"bad role":         {{Op: OpReplace, Path: "/members/1/role", Value: raw("admin")}},
		"unknown nested":   {{Op: OpAdd, Path: "/members/1/color", Value: raw("red")}},
		"duplicate member": {{Op: OpAdd, Path: "/members/-", Value: raw(map[string]any{"username": "bob", "role": "viewer"})}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Apply(sample(), p)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

// 把 A 应用到 R 后再序列化/反序列化，与直接应用结果一致
func TestApply_RoundTrip(t *testing.T) {
	ws := sample()
	p := Patch{
		{Op: OpReplace, Path: "/name", Value: raw("Renamed")},
		{Op: OpAdd, Path: "/members/-", Value: raw(map[string]any{"username": "carol", "role": "viewer", "joinedAt": "2024-05-02T00:00:00Z"})},
		{Op: OpCopy, From: "/name", Path: "/ownerId"},
	}
	direct, err := Apply(ws, p)
	require.NoError(t, err)

	wire, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded Patch
	require.NoError(t, json.Unmarshal(wire, &decoded))

	again, err := Apply(ws, decoded)
	require.NoError(t, err)
	assert.Equal(t, direct, again)
	assert.Equal(t, "Renamed", again.OwnerID)
	assert.Len(t, again.Members, 3)
}
