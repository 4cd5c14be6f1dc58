package starscript

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// fromStarlark converts a Starlark value to a plain Go value
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	case *starlark.List:
		list := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			val, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			list = append(list, val)
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, 0, len(x))
		for _, item := range x {
			val, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			list = append(list, val)
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, key := range x.Keys() {
			k, ok := key.(starlark.String)
			if !ok {
				continue
			}
			val, _, _ := x.Get(key)
			v, err := fromStarlark(val)
			if err != nil {
				return nil, err
			}
			dict[string(k)] = v
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				return nil, err
			}
			v, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = v
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot convert %s to go", v.Type())
	}
}

func toStarlark(v any) starlark.Value {
	switch x := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(x)
	case string:
		return starlark.String(x)
	case float64:
		// JSON numbers decode as float64; keep whole numbers integral
		if math.Abs(x) < 1<<53 && x == math.Trunc(x) {
			return starlark.MakeInt64(int64(x))
		}
		return starlark.Float(x)
	case int64:
		return starlark.MakeInt64(x)
	case int:
		return starlark.MakeInt(x)
	case []any:
		list := make([]starlark.Value, 0, len(x))
		for _, item := range x {
			list = append(list, toStarlark(item))
		}
		return starlark.NewList(list)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(x))
		for _, k := range keys {
			dict.SetKey(starlark.String(k), toStarlark(x[k]))
		}
		return dict
	case map[string]string:
		dict := starlark.NewDict(len(x))
		for k, v := range x {
			dict.SetKey(starlark.String(k), starlark.String(v))
		}
		return dict
	default:
		return starlark.None
	}
}

func asString(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return s.GoString()
	}
	return ""
}

func getString(dict *starlark.Dict, key string) string {
	val, ok, _ := dict.Get(starlark.String(key))
	if ok {
		if s, ok := val.(starlark.String); ok {
			return s.GoString()
		}
	}
	return ""
}
