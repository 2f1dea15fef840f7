package gguf

import "fmt"

// Typed metadata accessors. The two-value forms report presence and type
// agreement; the MustGet forms are for keys a model cannot load without.

func (f *File) GetString(key string) (string, bool) {
	v, ok := f.KV[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

func (f *File) GetBool(key string) (bool, bool) {
	v, ok := f.KV[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value.(bool)
	return b, ok
}

func (f *File) GetUint(key string) (uint64, bool) {
	v, ok := f.KV[key]
	if !ok {
		return 0, false
	}
	return asUint64(v.Value)
}

func (f *File) GetInt(key string) (int64, bool) {
	v, ok := f.KV[key]
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	default:
		return 0, false
	}
}

func (f *File) GetFloat(key string) (float64, bool) {
	v, ok := f.KV[key]
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// GetArray returns the array at key with every element asserted to T.
func GetArray[T any](f *File, key string) ([]T, bool) {
	v, ok := f.KV[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(arr.Values))
	for _, item := range arr.Values {
		tv, ok := item.(T)
		if !ok {
			return nil, false
		}
		out = append(out, tv)
	}
	return out, true
}

func (f *File) MustGetString(key string) (string, error) {
	if s, ok := f.GetString(key); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: missing or invalid %s", ErrFormat, key)
}

func (f *File) MustGetUint(key string) (uint64, error) {
	if v, ok := f.GetUint(key); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: missing or invalid %s", ErrFormat, key)
}
