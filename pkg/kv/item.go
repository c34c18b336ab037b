package kv

import "replog/pkg/types"

type Item struct {
	Key    []byte
	Value  []byte
	Offset types.Offset // log offset that last wrote the key
}
