// Package bser implements the binary serialization format spoken by the
// watchman daemon (BSER). Values are self-describing: a one-byte tag followed
// by the payload. Integers are encoded little-endian in the smallest width
// that fits. Maps are encoded with sorted keys so the same value always
// produces the same bytes.
package bser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
)

const (
	tagArray    = 0x00
	tagObject   = 0x01
	tagString   = 0x02
	tagInt8     = 0x03
	tagInt16    = 0x04
	tagInt32    = 0x05
	tagInt64    = 0x06
	tagReal     = 0x07
	tagTrue     = 0x08
	tagFalse    = 0x09
	tagNull     = 0x0a
	tagTemplate = 0x0b
	tagSkip     = 0x0c
)

// Marshal encodes a value without PDU framing.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
		return nil
	case bool:
		if val {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
		return nil
	case int:
		encodeInt(buf, int64(val))
		return nil
	case int8:
		encodeInt(buf, int64(val))
		return nil
	case int16:
		encodeInt(buf, int64(val))
		return nil
	case int32:
		encodeInt(buf, int64(val))
		return nil
	case int64:
		encodeInt(buf, val)
		return nil
	case uint:
		encodeInt(buf, int64(val))
		return nil
	case uint8:
		encodeInt(buf, int64(val))
		return nil
	case uint16:
		encodeInt(buf, int64(val))
		return nil
	case uint32:
		encodeInt(buf, int64(val))
		return nil
	case float64:
		buf.WriteByte(tagReal)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
		buf.Write(b[:])
		return nil
	case string:
		encodeString(buf, val)
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		buf.WriteByte(tagArray)
		encodeInt(buf, int64(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			if err := encode(buf, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("bser: map keys must be strings, got %s", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteByte(tagObject)
		encodeInt(buf, int64(len(keys)))
		for _, k := range keys {
			encodeString(buf, k)
			if err := encode(buf, rv.MapIndex(reflect.ValueOf(k)).Interface()); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("bser: unsupported type %T", v)
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(tagString)
	encodeInt(buf, int64(len(s)))
	buf.WriteString(s)
}

func encodeInt(buf *bytes.Buffer, n int64) {
	switch {
	case n >= math.MinInt8 && n <= math.MaxInt8:
		buf.WriteByte(tagInt8)
		buf.WriteByte(byte(n))
	case n >= math.MinInt16 && n <= math.MaxInt16:
		buf.WriteByte(tagInt16)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n >= math.MinInt32 && n <= math.MaxInt32:
		buf.WriteByte(tagInt32)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(tagInt64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(n))
		buf.Write(b[:])
	}
}

// Unmarshal decodes a single value from data. Trailing bytes are an error.
func Unmarshal(data []byte) (interface{}, error) {
	d := &decoder{data: data}
	v, err := d.decode()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, fmt.Errorf("bser: %d trailing bytes after value", len(d.data)-d.pos)
	}
	return v, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) next() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("bser: unexpected end of input at offset %d", d.pos)
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, fmt.Errorf("bser: truncated input at offset %d", d.pos)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) decode() (interface{}, error) {
	tag, err := d.next()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagInt8, tagInt16, tagInt32, tagInt64:
		return d.decodeIntPayload(tag)
	case tagReal:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case tagString:
		return d.decodeStringPayload()
	case tagArray:
		n, err := d.decodeInt()
		if err != nil {
			return nil, err
		}
		items := make([]interface{}, 0, n)
		for i := int64(0); i < n; i++ {
			item, err := d.decode()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case tagObject:
		return d.decodeObject()
	case tagTemplate:
		return d.decodeTemplate()
	default:
		return nil, fmt.Errorf("bser: unknown tag 0x%02x at offset %d", tag, d.pos-1)
	}
}

func (d *decoder) decodeInt() (int64, error) {
	tag, err := d.next()
	if err != nil {
		return 0, err
	}
	if tag < tagInt8 || tag > tagInt64 {
		return 0, fmt.Errorf("bser: expected integer tag, got 0x%02x", tag)
	}
	return d.decodeIntPayload(tag)
}

func (d *decoder) decodeIntPayload(tag byte) (int64, error) {
	switch tag {
	case tagInt8:
		b, err := d.take(1)
		if err != nil {
			return 0, err
		}
		return int64(int8(b[0])), nil
	case tagInt16:
		b, err := d.take(2)
		if err != nil {
			return 0, err
		}
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case tagInt32:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	default:
		b, err := d.take(8)
		if err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
}

func (d *decoder) decodeString() (string, error) {
	tag, err := d.next()
	if err != nil {
		return "", err
	}
	if tag != tagString {
		return "", fmt.Errorf("bser: expected string tag, got 0x%02x", tag)
	}
	return d.decodeStringPayload()
}

func (d *decoder) decodeStringPayload() (string, error) {
	n, err := d.decodeInt()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) decodeObject() (map[string]interface{}, error) {
	n, err := d.decodeInt()
	if err != nil {
		return nil, err
	}
	obj := make(map[string]interface{}, n)
	for i := int64(0); i < n; i++ {
		key, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		val, err := d.decode()
		if err != nil {
			return nil, err
		}
		obj[key] = val
	}
	return obj, nil
}

// decodeTemplate decodes a compact array of objects: a shared key list
// followed by the rows, with the skip tag marking absent fields.
func (d *decoder) decodeTemplate() ([]interface{}, error) {
	tag, err := d.next()
	if err != nil {
		return nil, err
	}
	if tag != tagArray {
		return nil, fmt.Errorf("bser: template keys must be an array, got 0x%02x", tag)
	}
	nkeys, err := d.decodeInt()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, nkeys)
	for i := int64(0); i < nkeys; i++ {
		key, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	nrows, err := d.decodeInt()
	if err != nil {
		return nil, err
	}
	rows := make([]interface{}, 0, nrows)
	for i := int64(0); i < nrows; i++ {
		row := make(map[string]interface{}, len(keys))
		for _, key := range keys {
			if d.pos < len(d.data) && d.data[d.pos] == tagSkip {
				d.pos++
				continue
			}
			val, err := d.decode()
			if err != nil {
				return nil, err
			}
			row[key] = val
		}
		rows = append(rows, row)
	}
	return rows, nil
}
