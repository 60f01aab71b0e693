package attacher

import "github.com/cilium/ebpf/btf"

// stripQualifiers unwraps modifier and typedef layers until a
// concrete type remains.
func stripQualifiers(t btf.Type) btf.Type {
	for {
		switch v := t.(type) {
		case *btf.Volatile:
			t = v.Type
		case *btf.Const:
			t = v.Type
		case *btf.Restrict:
			t = v.Type
		case *btf.Typedef:
			t = v.Type
		default:
			return t
		}
	}
}

func isArgTypeOK(t btf.Type) bool {
	switch stripQualifiers(t).(type) {
	case *btf.Int, *btf.Pointer, *btf.Enum:
		return true
	default:
		return false
	}
}

func isRetTypeOK(t btf.Type) bool {
	switch v := stripQualifiers(t).(type) {
	case *btf.Int, *btf.Enum:
		return true
	case *btf.Pointer:
		switch v.Target.(type) {
		case *btf.Void:
			return true
		case *btf.Struct, *btf.Union:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// isTraceable reports whether the function's prototype is compatible
// with fentry/fexit trampolines: at most MaxArgCount parameters, each
// reducing to an integer, pointer, or enum, no varargs, and a return
// type that is an integer, enum, void pointer, or pointer to a
// struct/union. A function returning nothing detectable is still
// acceptable: absence of a return type alone is not a reason to
// filter it out.
func isTraceable(fn *btf.Func) bool {
	proto := funcProto(fn)
	if proto == nil {
		return false
	}

	if len(proto.Params) > MaxArgCount {
		return false
	}

	if _, void := proto.Return.(*btf.Void); !void {
		if !isRetTypeOK(proto.Return) {
			return false
		}
	}

	for _, p := range proto.Params {
		// a parameter with no resolvable type is a vararg
		if _, ok := p.Type.(*btf.Void); ok {
			return false
		}

		if !isArgTypeOK(p.Type) {
			return false
		}
	}

	return true
}

func funcProto(fn *btf.Func) *btf.FuncProto {
	if fn == nil {
		return nil
	}

	proto, ok := fn.Type.(*btf.FuncProto)
	if !ok {
		return nil
	}

	return proto
}

// funcArgCount returns the declared parameter count, or 0 when no
// type information is available.
func funcArgCount(fn *btf.Func) int {
	proto := funcProto(fn)
	if proto == nil {
		return 0
	}

	return len(proto.Params)
}

// isRetVoid reports whether the function returns nothing. False when
// no type information is available.
func isRetVoid(fn *btf.Func) bool {
	proto := funcProto(fn)
	if proto == nil {
		return false
	}

	_, void := proto.Return.(*btf.Void)

	return void
}
