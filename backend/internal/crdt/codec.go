package crdt

import (
	"github.com/fxamacker/cbor/v2"
)

// Core Deterministic Encoding：相同逻辑内容总是得到相同字节
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: cbor encoder init failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("crdt: cbor decoder init failed: " + err.Error())
	}
}

// wire 是状态和增量共用的编码形状
type wire struct {
	Entries []Entry `cbor:"e"`
}
