package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRemove  OpKind = "remove"
	OpReplace OpKind = "replace"
	OpMove    OpKind = "move"
	OpCopy    OpKind = "copy"
	OpTest    OpKind = "test"
)

// Operation 一条 RFC 6902 风格的编辑指令
type Operation struct {
	Op    OpKind          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type Patch []Operation

// 顶层字段白名单（与 Workspace 的 json tag 一致）
var knownFields = map[string]bool{
	"id": true, "name": true, "ownerId": true, "private": true, "members": true,
	"sharedSchemas": true, "version": true, "isActive": true, "createdAt": true, "updatedAt": true,
}

// 服务端维护的字段，客户端补丁不能触碰
var protectedFields = map[string]bool{
	"id": true, "version": true, "createdAt": true,
}

// Validate 只做结构校验：操作类型封闭、指针合法、不触碰受保护字段。
// 语义校验（路径是否存在、值类型）留给 Apply。
func (p Patch) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty patch", ErrInvalidPatch)
	}
	for i, op := range p {
		switch op.Op {
		case OpAdd, OpReplace, OpTest:
			if len(op.Value) == 0 {
				return fmt.Errorf("%w: op %d (%s) requires value", ErrInvalidPatch, i, op.Op)
			}
		case OpMove, OpCopy:
			if err := checkPointer(op.From); err != nil {
				return fmt.Errorf("%w: op %d from: %v", ErrInvalidPatch, i, err)
			}
			if op.Op == OpMove && protectedFields[rootField(op.From)] {
				return fmt.Errorf("%w: op %d moves protected field %q", ErrInvalidPatch, i, op.From)
			}
		case OpRemove:
		default:
			return fmt.Errorf("%w: op %d unknown kind %q", ErrInvalidPatch, i, op.Op)
		}
		if err := checkPointer(op.Path); err != nil {
			return fmt.Errorf("%w: op %d path: %v", ErrInvalidPatch, i, err)
		}
		if op.Op != OpTest && protectedFields[rootField(op.Path)] {
			return fmt.Errorf("%w: op %d targets protected field %q", ErrInvalidPatch, i, op.Path)
		}
	}
	return nil
}

func checkPointer(ptr string) error {
	if ptr == "" || ptr == "/" {
		return fmt.Errorf("whole-document pointer %q not allowed", ptr)
	}
	if !strings.HasPrefix(ptr, "/") {
		return fmt.Errorf("pointer %q must start with /", ptr)
	}
	field := rootField(ptr)
	if !knownFields[field] {
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

func rootField(ptr string) string {
	s := strings.TrimPrefix(ptr, "/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

// Apply 把补丁应用到 ws 的私有副本上，返回新记录；ws 本身不会被修改。
// 任何一步失败都返回 ErrInvalidPatch / ErrInvalidRecord，调用方据此拒绝提交。
func Apply(ws *Workspace, p Patch) (*Workspace, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	base := ws.Clone()
	doc, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode workspace: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	decoded, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	opts := jsonpatch.NewApplyOptions()
	opts.EnsurePathExistsOnAdd = false
	out, err := decoded.ApplyWithOptions(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	// 严格解码回强类型记录：未知字段、类型不符都在这里被拒绝
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	var next Workspace
	if err := dec.Decode(&next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	next.Normalize()
	if next.ID != base.ID || next.Version != base.Version || !next.CreatedAt.Equal(base.CreatedAt) {
		return nil, fmt.Errorf("%w: server managed field changed", ErrInvalidPatch)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}
