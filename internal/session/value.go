package session

import (
	"fmt"
	"strconv"
)

// ValueType is the type of a setting value. The numeric values are written
// to LAN packets.
type ValueType uint8

const (
	TypeEmpty  ValueType = 0
	TypeInt32  ValueType = 1
	TypeUint32 ValueType = 2
	TypeInt64  ValueType = 3
	TypeDouble ValueType = 5
	TypeString ValueType = 6
	TypeFloat  ValueType = 7
	TypeBool   ValueType = 9
)

func (t ValueType) String() string {
	switch t {
	case TypeEmpty:
		return "Empty"
	case TypeInt32:
		return "Int32"
	case TypeUint32:
		return "UInt32"
	case TypeInt64:
		return "Int64"
	case TypeDouble:
		return "Double"
	case TypeString:
		return "String"
	case TypeFloat:
		return "Float"
	case TypeBool:
		return "Bool"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Value holds one of bool, int32, uint32, int64, float32, float64 or string.
// The zero Value is empty. Values are comparable.
type Value struct {
	typ ValueType
	num uint64
	f   float64
	str string
}

func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{typ: TypeBool, num: n}
}

func Int32(v int32) Value {
	return Value{typ: TypeInt32, num: uint64(int64(v))}
}

func Uint32(v uint32) Value {
	return Value{typ: TypeUint32, num: uint64(v)}
}

func Int64(v int64) Value {
	return Value{typ: TypeInt64, num: uint64(v)}
}

func Float(v float32) Value {
	return Value{typ: TypeFloat, f: float64(v)}
}

func Double(v float64) Value {
	return Value{typ: TypeDouble, f: v}
}

func String(v string) Value {
	return Value{typ: TypeString, str: v}
}

// Type returns the type of the held value.
func (v Value) Type() ValueType {
	return v.typ
}

// IsEmpty reports whether the value holds nothing.
func (v Value) IsEmpty() bool {
	return v.typ == TypeEmpty
}

func (v Value) AsBool() (bool, bool) {
	return v.num != 0, v.typ == TypeBool
}

func (v Value) AsInt32() (int32, bool) {
	return int32(int64(v.num)), v.typ == TypeInt32
}

func (v Value) AsUint32() (uint32, bool) {
	return uint32(v.num), v.typ == TypeUint32
}

func (v Value) AsInt64() (int64, bool) {
	return int64(v.num), v.typ == TypeInt64
}

func (v Value) AsFloat() (float32, bool) {
	return float32(v.f), v.typ == TypeFloat
}

func (v Value) AsDouble() (float64, bool) {
	return v.f, v.typ == TypeDouble
}

func (v Value) AsString() (string, bool) {
	return v.str, v.typ == TypeString
}

// Text formats the value without its type.
func (v Value) Text() string {
	switch v.typ {
	case TypeBool:
		return strconv.FormatBool(v.num != 0)
	case TypeInt32, TypeInt64:
		return strconv.FormatInt(int64(v.num), 10)
	case TypeUint32:
		return strconv.FormatUint(v.num, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return v.str
	default:
		return ""
	}
}

func (v Value) String() string {
	return v.Text() + " : " + v.typ.String()
}

// Advertisement controls where a setting is visible.
type Advertisement uint8

const (
	// DontAdvertise keeps the setting local.
	DontAdvertise Advertisement = iota
	// ViaPingOnly sends the setting with pings only.
	ViaPingOnly
	// ViaOnlineService publishes the setting to the online service and LAN searches.
	ViaOnlineService
	// ViaOnlineServiceAndPing does both.
	ViaOnlineServiceAndPing
)

func (a Advertisement) String() string {
	switch a {
	case DontAdvertise:
		return "DontAdvertise"
	case ViaPingOnly:
		return "ViaPingOnly"
	case ViaOnlineService:
		return "ViaOnlineService"
	case ViaOnlineServiceAndPing:
		return "ViaOnlineServiceAndPing"
	default:
		return "Unknown"
	}
}

// Setting is a custom session setting.
type Setting struct {
	Value     Value
	Advertise Advertisement
}

// advertised reports whether the setting goes to the online service and LAN packets.
func (s Setting) advertised() bool {
	return s.Advertise >= ViaOnlineService
}
