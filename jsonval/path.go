package jsonval

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// 路径寻址：Key 是路径上的一段，可能来自 JSON 字符串或数字
// （数字键用于数组下标）。Path 为空表示"整棵树"。
type Key string

type Path []Key

// ErrNotFound：路径中间节点缺失，或删除的键不存在。
// 调用方收到该错误时不广播、不推进版本号。
var ErrNotFound = errors.New("jsonval: path not found")

func (k Key) Index() (int, bool) {
	i, err := strconv.Atoi(string(k))
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

func (k *Key) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = Key(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*k = Key(n.String())
	return nil
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// ParsePath 解析线上传输的 targetKey（JSON 数组字符串）
func ParsePath(data string) (Path, error) {
	var p Path
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func DumpPath(p Path) string {
	if p == nil {
		p = Path{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, k := range p {
		parts[i] = string(k)
	}
	return "/" + strings.Join(parts, "/")
}

func (p Path) Clone() Path {
	return append(Path{}, p...)
}

// child 沿一段 key 下降：对象按字段名，数组按十进制下标
func child(v *Value, k Key) (*Value, bool) {
	if v == nil {
		return nil, false
	}
	switch v.kind {
	case Object:
		c, ok := v.obj[string(k)]
		return c, ok
	case Array:
		i, ok := k.Index()
		if !ok || i >= len(v.arr) {
			return nil, false
		}
		return v.arr[i], true
	}
	return nil, false
}

// Get 按路径做 O(len(path)) 原始遍历，不依赖任何元数据
func Get(root *Value, p Path) (*Value, bool) {
	node := root
	for _, k := range p {
		c, ok := child(node, k)
		if !ok {
			return nil, false
		}
		node = c
	}
	if node == nil {
		return nil, false
	}
	return node, true
}

type Op int

const (
	OpSet Op = iota
	OpDelete
)

// Apply 在树 root 的路径 p 处执行一次变更。
// 共享文档和临时状态的修改走的是同一个算法，差别只在调用方的
// 后置条件（版本号递增与否、广播排除策略）。
//
// 规则：
//   - 空路径：OpSet 整树替换；OpDelete 未定义，按 ErrNotFound 处理
//   - 逐段下降到倒数第二段；任何一段缺失立即返回 ErrNotFound，树不被修改
//   - OpSet：父节点就位后无条件赋值（字段不存在则创建）
//   - OpDelete：键不存在视为 ErrNotFound；存在则移除
func Apply(root *Value, p Path, op Op, val *Value) error {
	if root == nil {
		return ErrNotFound
	}
	if len(p) == 0 {
		if op == OpDelete {
			return ErrNotFound
		}
		if val == nil {
			val = NewNull()
		}
		*root = *val.Clone()
		return nil
	}

	last := p[len(p)-1]
	parent := root
	for _, k := range p[:len(p)-1] {
		c, ok := child(parent, k)
		if !ok {
			return ErrNotFound
		}
		parent = c
	}

	switch op {
	case OpSet:
		return setChild(parent, last, val)
	case OpDelete:
		return deleteChild(parent, last)
	}
	return ErrNotFound
}

func setChild(parent *Value, k Key, val *Value) error {
	if val == nil {
		val = NewNull()
	}
	switch parent.kind {
	case Object:
		parent.obj[string(k)] = val
		return nil
	case Array:
		i, ok := k.Index()
		if !ok {
			return ErrNotFound
		}
		if i < len(parent.arr) {
			parent.arr[i] = val
			return nil
		}
		// 越界赋值按 JSON 数组语义补 null 后追加
		for len(parent.arr) < i {
			parent.arr = append(parent.arr, NewNull())
		}
		parent.arr = append(parent.arr, val)
		return nil
	}
	// 父节点是标量，结构上无法挂载子元素
	return ErrNotFound
}

func deleteChild(parent *Value, k Key) error {
	switch parent.kind {
	case Object:
		if _, ok := parent.obj[string(k)]; !ok {
			return ErrNotFound
		}
		delete(parent.obj, string(k))
		return nil
	case Array:
		i, ok := k.Index()
		if !ok || i >= len(parent.arr) {
			return ErrNotFound
		}
		parent.arr = append(parent.arr[:i], parent.arr[i+1:]...)
		return nil
	}
	return ErrNotFound
}
