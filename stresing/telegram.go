package stresing

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/snksoft/crc"
)

// blocks are encoded as [STX][CMD][LEN][PAYLOAD][CRC][ETX].
// LEN is a little endian uint16 count of payload bytes; CRC is a big endian
// CRC-16/XMODEM over CMD, LEN, and PAYLOAD.

const (
	// blkStart is the start of block byte
	blkStart = 0x02

	// blkEnd is the end of block byte
	blkEnd = 0x03

	// overhead is the number of framing bytes around the payload
	overhead = 6
)

// Command and response bytecodes spoken by the camera head
const (
	cmdConfigure = 0x10
	cmdReadFrame = 0x20
	respAck      = 0x06
	respNack     = 0x15
	respFrame    = 0x21
)

var crcTable = crc.NewTable(crc.XMODEM)

// crcHelper computes the two-byte CRC value in a concurrent safe way and one line
func crcHelper(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	crcBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBytes, crcTable.CRC16(crcUint))
	return crcBytes
}

// encodeBlock produces a wire block from a command byte and payload
func encodeBlock(cmd byte, payload []byte) []byte {
	body := make([]byte, 3, 3+len(payload))
	body[0] = cmd
	binary.LittleEndian.PutUint16(body[1:3], uint16(len(payload)))
	body = append(body, payload...)

	out := append([]byte{blkStart}, body...)
	out = append(out, crcHelper(body)...)
	out = append(out, blkEnd)
	return out
}

// decodeBlock renders a raw byte stream into a command byte and payload,
// verifying the framing and the CRC
func decodeBlock(raw []byte) (byte, []byte, error) {
	iStart := bytes.IndexByte(raw, blkStart)
	if iStart < 0 {
		return 0, nil, fmt.Errorf("block start byte %#02x not found", blkStart)
	}
	raw = raw[iStart+1:]
	if len(raw) < overhead-1 {
		return 0, nil, fmt.Errorf("block of %d bytes is too short", len(raw))
	}
	datalen := int(binary.LittleEndian.Uint16(raw[1:3]))
	need := 3 + datalen + 3 // body, CRC, end byte
	if len(raw) < need {
		return 0, nil, fmt.Errorf("block truncated: have %d bytes, need %d", len(raw), need)
	}
	body := raw[:3+datalen]
	crcRecv := raw[3+datalen : 5+datalen]
	if raw[5+datalen] != blkEnd {
		return 0, nil, fmt.Errorf("block end byte %#02x not found", blkEnd)
	}
	if !bytes.Equal(crcRecv, crcHelper(body)) {
		return 0, nil, fmt.Errorf("CRC mismatch, data lost in transmission")
	}
	return body[0], body[3:], nil
}
