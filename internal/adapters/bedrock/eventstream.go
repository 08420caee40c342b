package bedrock

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// The response stream is framed with the AWS EventStream encoding:
//
//	total length (4, BE) | headers length (4, BE) | prelude CRC (4, BE)
//	headers | payload | message CRC (4, BE)
//
// Headers are (name length, name, value type, value) tuples; the routing
// headers the gateway cares about (":message-type", ":event-type",
// ":exception-type") are all type-7 strings.

const (
	preludeSize = 12
	crcSize     = 4
	maxFrameLen = 1 << 24
)

// EventStream header value types.
const (
	hdrTrue      = 0
	hdrFalse     = 1
	hdrByte      = 2
	hdrShort     = 3
	hdrInt       = 4
	hdrLong      = 5
	hdrByteArray = 6
	hdrString    = 7
	hdrTimestamp = 8
	hdrUUID      = 9
)

type esFrame struct {
	headers map[string]string
	payload []byte
}

// readFrame decodes one frame. io.EOF means the stream ended cleanly on a
// frame boundary.
func readFrame(r io.Reader) (*esFrame, error) {
	prelude := make([]byte, preludeSize)
	if _, err := io.ReadFull(r, prelude); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("eventstream: read prelude: %w", err)
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	preludeCRC := binary.BigEndian.Uint32(prelude[8:12])

	if crc32.ChecksumIEEE(prelude[:8]) != preludeCRC {
		return nil, fmt.Errorf("eventstream: prelude checksum mismatch")
	}
	if totalLen > maxFrameLen || totalLen < preludeSize+crcSize || headersLen > totalLen-preludeSize-crcSize {
		return nil, fmt.Errorf("eventstream: implausible frame lengths (total=%d headers=%d)", totalLen, headersLen)
	}

	rest := make([]byte, totalLen-preludeSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("eventstream: read frame body: %w", err)
	}

	messageCRC := binary.BigEndian.Uint32(rest[len(rest)-crcSize:])
	sum := crc32.ChecksumIEEE(prelude)
	sum = crc32.Update(sum, crc32.IEEETable, rest[:len(rest)-crcSize])
	if sum != messageCRC {
		return nil, fmt.Errorf("eventstream: message checksum mismatch")
	}

	headers, err := parseHeaders(rest[:headersLen])
	if err != nil {
		return nil, err
	}
	payload := rest[headersLen : len(rest)-crcSize]
	return &esFrame{headers: headers, payload: payload}, nil
}

// fixedValueSizes are the value widths of the fixed-length header types.
var fixedValueSizes = map[byte]int{
	hdrByte: 1, hdrShort: 2, hdrInt: 4, hdrLong: 8, hdrTimestamp: 8, hdrUUID: 16,
}

func parseHeaders(buf []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(buf) > 0 {
		nameLen := int(buf[0])
		buf = buf[1:]
		if len(buf) < nameLen+1 {
			return nil, fmt.Errorf("eventstream: truncated header name")
		}
		name := string(buf[:nameLen])
		valueType := buf[nameLen]
		buf = buf[nameLen+1:]

		switch valueType {
		case hdrTrue, hdrFalse:
			// no value bytes
		case hdrByte, hdrShort, hdrInt, hdrLong, hdrTimestamp, hdrUUID:
			size := fixedValueSizes[valueType]
			if len(buf) < size {
				return nil, fmt.Errorf("eventstream: truncated header value")
			}
			buf = buf[size:]
		case hdrByteArray, hdrString:
			if len(buf) < 2 {
				return nil, fmt.Errorf("eventstream: truncated header value length")
			}
			valueLen := int(binary.BigEndian.Uint16(buf[:2]))
			if len(buf) < 2+valueLen {
				return nil, fmt.Errorf("eventstream: truncated header value")
			}
			if valueType == hdrString {
				headers[name] = string(buf[2 : 2+valueLen])
			}
			buf = buf[2+valueLen:]
		default:
			return nil, fmt.Errorf("eventstream: unknown header value type %d", valueType)
		}
	}
	return headers, nil
}
