// ABOUTME: Order-preserving JSON decoding of feed subtrees on top of jsoniter.
// ABOUTME: Objects decode to *Object, arrays to []any, numbers to float64.

package record

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// ReadValue decodes the next JSON value from iter. Decoding errors are left on iter.Error.
func ReadValue(iter *jsoniter.Iterator) any {
	switch iter.WhatIsNext() {
	case jsoniter.ObjectValue:
		obj := NewObject()
		iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
			obj.Set(field, ReadValue(it))
			return it.Error == nil
		})
		return obj
	case jsoniter.ArrayValue:
		arr := []any{}
		iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			arr = append(arr, ReadValue(it))
			return it.Error == nil
		})
		return arr
	case jsoniter.StringValue:
		return iter.ReadString()
	case jsoniter.NumberValue:
		return iter.ReadFloat64()
	case jsoniter.BoolValue:
		return iter.ReadBool()
	case jsoniter.NilValue:
		iter.ReadNil()
		return nil
	default:
		iter.ReportError("ReadValue", "expected a JSON value")
		return nil
	}
}

// Parse decodes a complete JSON document into an ordered tree
func Parse(data []byte) (any, error) {
	iter := jsoniter.ParseBytes(jsoniter.ConfigDefault, data)
	value := ReadValue(iter)
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return nil, fmt.Errorf("failed to parse JSON: %w", iter.Error)
	}
	return value, nil
}
