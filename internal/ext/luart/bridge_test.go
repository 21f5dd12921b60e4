package luart

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestToGoScalars(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.L)

	tests := []struct {
		name string
		in   lua.LValue
		want any
	}{
		{"nil", lua.LNil, nil},
		{"true", lua.LTrue, true},
		{"integer", lua.LNumber(42), int64(42)},
		{"float", lua.LNumber(1.5), 1.5},
		{"string", lua.LString("hi"), "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.ToGo(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ToGo(%v) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestToGoArrayTable(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.L)

	if err := s.DoString(`arr = {"a", "b", "c"}`); err != nil {
		t.Fatal(err)
	}
	got := b.ToGo(s.GetGlobal("arr"))
	want := []any{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ToGo = %v, want %v", got, want)
	}
}

func TestToGoMapTable(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.L)

	if err := s.DoString(`m = {name = "wc", count = 3}`); err != nil {
		t.Fatal(err)
	}
	got, ok := b.ToGo(s.GetGlobal("m")).(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", b.ToGo(s.GetGlobal("m")))
	}
	if got["name"] != "wc" || got["count"] != int64(3) {
		t.Errorf("unexpected map: %v", got)
	}
}

func TestToGoCircularTable(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.L)

	if err := s.DoString(`c = {}; c.self = c`); err != nil {
		t.Fatal(err)
	}
	got, ok := b.ToGo(s.GetGlobal("c")).(map[string]any)
	if !ok {
		t.Fatal("expected map for circular table")
	}
	if got["self"] != nil {
		t.Errorf("circular reference should be cut, got %v", got["self"])
	}
}

func TestToLuaRoundTrip(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.L)

	in := map[string]any{
		"label":   "Run",
		"enabled": true,
		"weight":  int64(2),
		"tags":    []any{"build", "run"},
	}
	got := b.ToGo(b.ToLua(in))
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip = %v, want %v", got, in)
	}
}

func TestTableFieldAccessors(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.L)

	if err := s.DoString(`item = {label = "Count Words", sub = {x = 1}}`); err != nil {
		t.Fatal(err)
	}
	tbl := s.GetGlobal("item").(*lua.LTable)

	if label, ok := b.TableString(tbl, "label"); !ok || label != "Count Words" {
		t.Errorf("TableString = %q, %v", label, ok)
	}
	if _, ok := b.TableString(tbl, "missing"); ok {
		t.Error("missing field should not be found")
	}
	if _, ok := b.TableTable(tbl, "sub"); !ok {
		t.Error("nested table should be found")
	}
}

func TestWrapGoFunc(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.L)

	s.RegisterModule("host", map[string]lua.LGFunction{
		"double": b.WrapGoFunc(func(args []any) (any, error) {
			n := args[0].(int64)
			return n * 2, nil
		}),
	})

	if err := s.DoString(`result = host.double(21)`); err != nil {
		t.Fatalf("DoString: %v", err)
	}
	if got := b.ToGo(s.GetGlobal("result")); got != int64(42) {
		t.Errorf("result = %v, want 42", got)
	}
}
