package jsonval

import (
	"testing"
)

func mustParse(t *testing.T, s string) *Value {
	t.Helper()
	v, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", s, err)
	}
	return v
}

func TestApply_SetExistingKey(t *testing.T) {
	doc := mustParse(t, `{"info1":100,"info2":["a","b","c"]}`)

	if err := Apply(doc, Path{"info1"}, OpSet, NewNumber(200)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got, ok := Get(doc, Path{"info1"})
	if !ok || got.NumberVal() != 200 {
		t.Fatalf("Get(info1) = %v, want 200", Dump(got))
	}
}

func TestApply_SetCreatesMissingLeaf(t *testing.T) {
	doc := mustParse(t, `{"a":{"b":{}}}`)

	// 最后一段不存在时直接创建
	if err := Apply(doc, Path{"a", "b", "c"}, OpSet, NewString("x")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := Dump(doc); got != `{"a":{"b":{"c":"x"}}}` {
		t.Fatalf("Dump() = %s", got)
	}
}

func TestApply_MissingIntermediateKey(t *testing.T) {
	doc := mustParse(t, `{"info1":100}`)
	before := Dump(doc)

	// 中间段缺失：整个变更被丢弃，树保持原样
	if err := Apply(doc, Path{"missingTop", "x"}, OpDelete, nil); err != ErrNotFound {
		t.Fatalf("Apply() error = %v, want ErrNotFound", err)
	}
	if err := Apply(doc, Path{"missingTop", "x"}, OpSet, NewNumber(1)); err != ErrNotFound {
		t.Fatalf("Apply() error = %v, want ErrNotFound", err)
	}
	if got := Dump(doc); got != before {
		t.Fatalf("document mutated on failed apply: %s", got)
	}
}

func TestApply_DoubleDelete(t *testing.T) {
	doc := mustParse(t, `{"color":"blue","pointer":[10,20]}`)

	if err := Apply(doc, Path{"color"}, OpDelete, nil); err != nil {
		t.Fatalf("first delete error = %v", err)
	}
	if err := Apply(doc, Path{"color"}, OpDelete, nil); err != ErrNotFound {
		t.Fatalf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestApply_EmptyPath(t *testing.T) {
	state := NewObject()
	val := mustParse(t, `{"pointer":[10,20],"color":"blue"}`)

	// 空路径 SET = 整树替换（用于临时状态整体上报）
	if err := Apply(state, Path{}, OpSet, val); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !Equal(state, val) {
		t.Fatalf("state = %s, want %s", Dump(state), Dump(val))
	}

	// 空路径 DELETE 未定义
	if err := Apply(state, Path{}, OpDelete, nil); err != ErrNotFound {
		t.Fatalf("Apply() error = %v, want ErrNotFound", err)
	}
}

func TestApply_ArrayIndex(t *testing.T) {
	doc := mustParse(t, `{"list":["a","b","c"]}`)

	if err := Apply(doc, Path{"list", "1"}, OpSet, NewString("B")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := Dump(doc); got != `{"list":["a","B","c"]}` {
		t.Fatalf("Dump() = %s", got)
	}

	if err := Apply(doc, Path{"list", "0"}, OpDelete, nil); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := Dump(doc); got != `{"list":["B","c"]}` {
		t.Fatalf("Dump() = %s", got)
	}
}

func TestApply_ScalarParent(t *testing.T) {
	doc := mustParse(t, `{"a":5}`)

	// 标量下面不能再挂子节点
	if err := Apply(doc, Path{"a", "b"}, OpSet, NewNumber(1)); err != ErrNotFound {
		t.Fatalf("Apply() error = %v, want ErrNotFound", err)
	}
}

func TestParsePath_NumericKeys(t *testing.T) {
	p, err := ParsePath(`["list",2,"name"]`)
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	if len(p) != 3 || p[0] != "list" || p[1] != "2" || p[2] != "name" {
		t.Fatalf("ParsePath() = %v", p)
	}
	if i, ok := p[1].Index(); !ok || i != 2 {
		t.Fatalf("Index() = %d, %t", i, ok)
	}
}

func TestValue_RoundTripAndEmptyObject(t *testing.T) {
	raw := `{"info1":100,"info2":["a","b","c"],"flag":true,"none":null}`
	v := mustParse(t, raw)

	back := mustParse(t, Dump(v))
	if !Equal(v, back) {
		t.Fatalf("round trip mismatch: %s vs %s", Dump(v), Dump(back))
	}

	if v.IsEmptyObject() {
		t.Fatalf("IsEmptyObject() = true for non-empty document")
	}
	if !NewObject().IsEmptyObject() {
		t.Fatalf("IsEmptyObject() = false for {}")
	}
	if !NewNull().IsEmptyObject() {
		t.Fatalf("IsEmptyObject() = false for null")
	}
}

func TestValue_CloneIsDeep(t *testing.T) {
	v := mustParse(t, `{"a":{"b":1}}`)
	c := v.Clone()
	if err := Apply(c, Path{"a", "b"}, OpSet, NewNumber(2)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got, _ := Get(v, Path{"a", "b"})
	if got.NumberVal() != 1 {
		t.Fatalf("clone shares nodes with original")
	}
}
