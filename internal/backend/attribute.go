package backend

import (
	"cmp"
	"math"
	"strconv"
	"strings"
)

// AttributeType is the type of an attribute value.
type AttributeType int

const (
	TypeBool AttributeType = iota
	TypeInt64
	TypeDouble
	TypeString
)

// AttributeValue is one of bool, int64, float64 or string.
type AttributeValue struct {
	Type   AttributeType
	Bool   bool
	Int64  int64
	Double float64
	String string
}

func BoolValue(v bool) AttributeValue      { return AttributeValue{Type: TypeBool, Bool: v} }
func Int64Value(v int64) AttributeValue    { return AttributeValue{Type: TypeInt64, Int64: v} }
func DoubleValue(v float64) AttributeValue { return AttributeValue{Type: TypeDouble, Double: v} }
func StringValue(v string) AttributeValue  { return AttributeValue{Type: TypeString, String: v} }

// Text formats the value for logs.
func (v AttributeValue) Text() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeInt64:
		return strconv.FormatInt(v.Int64, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.Double, 'f', -1, 64)
	default:
		return v.String
	}
}

// Attribute is a key-value pair attached to a session.
type Attribute struct {
	Key        string
	Value      AttributeValue
	Advertised bool
}

// Comparison is a search comparison operator.
type Comparison int

const (
	Equal Comparison = iota
	NotEqual
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	// Distance matches everything and orders results by closeness to the value.
	Distance
	// AnyOf matches if the attribute equals one of the ';' separated values.
	AnyOf
	// NotAnyOf matches if the attribute equals none of the ';' separated values.
	NotAnyOf
)

// SearchParam is a search constraint on one attribute.
type SearchParam struct {
	Key   string
	Value AttributeValue
	Op    Comparison
}

// Matches reports whether an attribute value satisfies the param.
// Values of different types never match.
func (p SearchParam) Matches(v AttributeValue) bool {
	switch p.Op {
	case Distance:
		return true
	case AnyOf:
		return anyOf(v, p.Value)
	case NotAnyOf:
		return !anyOf(v, p.Value)
	}

	if v.Type != p.Value.Type {
		return false
	}

	c := compare(v, p.Value)
	switch p.Op {
	case Equal:
		return c == 0
	case NotEqual:
		return c != 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	default:
		return false
	}
}

// distance is used to order results of a Distance search.
func (p SearchParam) distance(v AttributeValue) float64 {
	switch v.Type {
	case TypeInt64:
		return math.Abs(float64(v.Int64 - p.Value.Int64))
	case TypeDouble:
		return math.Abs(v.Double - p.Value.Double)
	default:
		if compare(v, p.Value) == 0 {
			return 0
		}
		return 1
	}
}

// Distance returns how far v is from the param value. Values of a different
// type are infinitely far.
func (p SearchParam) Distance(v AttributeValue) float64 {
	if v.Type != p.Value.Type {
		return math.Inf(1)
	}
	return p.distance(v)
}

func compare(a, b AttributeValue) int {
	switch a.Type {
	case TypeBool:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		default:
			return 1
		}
	case TypeInt64:
		return cmp.Compare(a.Int64, b.Int64)
	case TypeDouble:
		return cmp.Compare(a.Double, b.Double)
	default:
		return strings.Compare(a.String, b.String)
	}
}

func anyOf(v AttributeValue, list AttributeValue) bool {
	if list.Type != TypeString {
		return v.Type == list.Type && compare(v, list) == 0
	}

	text := v.Text()
	for _, item := range strings.Split(list.String, ";") {
		if strings.TrimSpace(item) == text {
			return true
		}
	}

	return false
}
