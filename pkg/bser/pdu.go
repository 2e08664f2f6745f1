package bser

import (
	"bytes"
	"fmt"
	"io"
)

// pduMagic prefixes every BSER protocol data unit on the wire.
var pduMagic = []byte{0x00, 0x01}

// EncodePDU frames a value for transmission: magic header, encoded payload
// length, then the payload itself.
func EncodePDU(v interface{}) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(pduMagic)
	encodeInt(&buf, int64(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodePDU reads one framed value from r. It blocks until a full PDU is
// available or r fails.
func DecodePDU(r io.Reader) (interface{}, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header, pduMagic) {
		return nil, fmt.Errorf("bser: bad PDU header % x", header)
	}

	// The length is itself a variable-width integer: read the tag byte,
	// then exactly the bytes that tag calls for.
	tagBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, tagBuf); err != nil {
		return nil, err
	}
	var width int
	switch tagBuf[0] {
	case tagInt8:
		width = 1
	case tagInt16:
		width = 2
	case tagInt32:
		width = 4
	case tagInt64:
		width = 8
	default:
		return nil, fmt.Errorf("bser: bad PDU length tag 0x%02x", tagBuf[0])
	}
	lenBuf := make([]byte, width)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	d := &decoder{data: lenBuf}
	size, err := d.decodeIntPayload(tagBuf[0])
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("bser: negative PDU length %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}
