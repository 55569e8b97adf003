package jsonval

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Value 是显式标签化的 JSON 值（Null | Bool | Number | String | Array | Object），
// 替代到处传 interface{} 的动态访问方式。
// 文档树、各参与者的账号信息和临时状态都用它表示。
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []*Value
	obj  map[string]*Value
}

func NewNull() *Value             { return &Value{kind: Null} }
func NewBool(b bool) *Value       { return &Value{kind: Bool, b: b} }
func NewNumber(n float64) *Value  { return &Value{kind: Number, num: n} }
func NewString(s string) *Value   { return &Value{kind: String, str: s} }
func NewArray(vs ...*Value) *Value {
	return &Value{kind: Array, arr: append([]*Value{}, vs...)}
}
func NewObject() *Value {
	return &Value{kind: Object, obj: make(map[string]*Value)}
}

func (v *Value) Kind() Kind { return v.kind }

func (v *Value) BoolVal() bool     { return v.b }
func (v *Value) NumberVal() float64 { return v.num }
func (v *Value) StringVal() string { return v.str }

// Len 返回数组长度或对象字段数；其他类型为 0
func (v *Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.arr)
	case Object:
		return len(v.obj)
	}
	return 0
}

func (v *Value) Index(i int) *Value {
	if v.kind != Array || i < 0 || i >= len(v.arr) {
		return nil
	}
	return v.arr[i]
}

func (v *Value) Field(name string) (*Value, bool) {
	if v.kind != Object {
		return nil, false
	}
	c, ok := v.obj[name]
	return c, ok
}

func (v *Value) SetField(name string, val *Value) {
	if v.kind != Object {
		return
	}
	if val == nil {
		val = NewNull()
	}
	v.obj[name] = val
}

func (v *Value) DeleteField(name string) {
	if v.kind == Object {
		delete(v.obj, name)
	}
}

// Keys 返回对象的字段名（排序后，便于稳定遍历）
func (v *Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmptyObject 判定文档是否"还没有内容"：nil、null 或无字段的对象。
// 共享文档的首写种子判定依赖这个语义。
func (v *Value) IsEmptyObject() bool {
	if v == nil || v.kind == Null {
		return true
	}
	return v.kind == Object && len(v.obj) == 0
}

func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{kind: v.kind, b: v.b, num: v.num, str: v.str}
	switch v.kind {
	case Array:
		out.arr = make([]*Value, len(v.arr))
		for i, c := range v.arr {
			out.arr[i] = c.Clone()
		}
	case Object:
		out.obj = make(map[string]*Value, len(v.obj))
		for k, c := range v.obj {
			out.obj[k] = c.Clone()
		}
	}
	return out
}

func Equal(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case Null:
		return true
	case Bool:
		return a.b == b.b
	case Number:
		return a.num == b.num
	case String:
		return a.str == b.str
	case Array:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func (v *Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case Null:
		return []byte("null"), nil
	case Bool:
		return json.Marshal(v.b)
	case Number:
		return json.Marshal(v.num)
	case String:
		return json.Marshal(v.str)
	case Array:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case Object:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	}
	return nil, fmt.Errorf("jsonval: unknown kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = *fromAny(raw)
	return nil
}

func fromAny(raw interface{}) *Value {
	switch t := raw.(type) {
	case nil:
		return NewNull()
	case bool:
		return NewBool(t)
	case float64:
		return NewNumber(t)
	case string:
		return NewString(t)
	case []interface{}:
		out := &Value{kind: Array, arr: make([]*Value, len(t))}
		for i, e := range t {
			out.arr[i] = fromAny(e)
		}
		return out
	case map[string]interface{}:
		out := NewObject()
		for k, e := range t {
			out.obj[k] = fromAny(e)
		}
		return out
	}
	return NewNull()
}

// Parse 把 JSON 字符串解析成 Value。协议里动态数据一律以 JSON 字符串传输。
func Parse(data string) (*Value, error) {
	if data == "" {
		return nil, errors.New("jsonval: empty input")
	}
	v := &Value{}
	if err := v.UnmarshalJSON([]byte(data)); err != nil {
		return nil, err
	}
	return v, nil
}

// Dump 与 Parse 对偶；Value 为 nil 时输出 "null"
func Dump(v *Value) string {
	if v == nil {
		return "null"
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return "null"
	}
	return string(b)
}
