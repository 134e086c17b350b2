package imageio

// ParamValue is one named metadata entry. The value is one of int, float64,
// string, or a typed blob ([]byte); consumers type-switch on what they need
// and ignore the rest.
type ParamValue struct {
	Name  string
	Value any
}

// ParamValueList is an ordered attribute bag. Lookups are linear; specs carry
// a handful of entries, not thousands.
type ParamValueList []ParamValue

// Set replaces the value under name, appending if absent.
func (l *ParamValueList) Set(name string, value any) {
	for i := range *l {
		if (*l)[i].Name == name {
			(*l)[i].Value = value
			return
		}
	}
	*l = append(*l, ParamValue{Name: name, Value: value})
}

// Get returns the value stored under name.
func (l ParamValueList) Get(name string) (any, bool) {
	for i := range l {
		if l[i].Name == name {
			return l[i].Value, true
		}
	}
	return nil, false
}

// GetInt returns the entry as an int, accepting any integer-shaped value.
func (l ParamValueList) GetInt(name string, def int) int {
	v, ok := l.Get(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return def
	}
}

// GetFloat returns the entry as a float64.
func (l ParamValueList) GetFloat(name string, def float64) float64 {
	v, ok := l.Get(name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return def
	}
}

// GetString returns the entry as a string.
func (l ParamValueList) GetString(name, def string) string {
	if v, ok := l.Get(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}
