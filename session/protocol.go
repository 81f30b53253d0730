package session

import (
	"encoding/binary"
	"errors"
)

// Message keys used on the transport channel.
const (
	KeyResetRequest     byte = 1
	KeyResetComplete    byte = 2
	KeyChunk            byte = 3
	KeyUnsupportedError byte = 4
)

// Local protocol capabilities declared during the reset exchange.
const (
	// MinProtocolVersion is the oldest protocol version this side speaks.
	MinProtocolVersion uint8 = 1
	// MaxProtocolVersion is the newest protocol version this side speaks.
	MaxProtocolVersion uint8 = 1
	// MaxTxChunkSize is the largest chunk payload this side will transmit.
	MaxTxChunkSize = 1000
	// MaxRxChunkSize is the largest chunk payload this side will accept.
	MaxRxChunkSize = 1000
)

// Terminator is the required trailing byte of every serialized object. It is
// counted in the declared total size and verified on reassembly completion.
const Terminator byte = 0x00

// UnsupportedError payload codes.
const (
	ErrorCodeUnsupportedVersion     uint8 = 0
	ErrorCodeMalformedResetComplete uint8 = 1
)

const (
	resetCompleteSize = 6
	chunkHeaderSize   = 4

	// The chunk header packs a 31-bit value plus a 1-bit first-chunk flag
	// into 4 little-endian bytes.
	chunkFirstFlag = uint32(1) << 31
	chunkValueMask = chunkFirstFlag - 1
)

var (
	// ErrMalformedResetComplete indicates a reset complete payload shorter
	// than the fixed capability block.
	ErrMalformedResetComplete = errors.New("session: malformed reset complete payload")
	// ErrMalformedChunk indicates a chunk payload too short to carry a header.
	ErrMalformedChunk = errors.New("session: malformed chunk payload")
	// ErrChunkOutOfOrder indicates a chunk that does not continue the
	// in-progress transfer at the expected offset.
	ErrChunkOutOfOrder = errors.New("session: chunk out of order")
	// ErrChunkOverflow indicates chunk bytes past the declared total size.
	ErrChunkOverflow = errors.New("session: chunk exceeds declared total size")
	// ErrMissingTerminator indicates a completed object whose final byte is
	// not the terminator.
	ErrMissingTerminator = errors.New("session: completed object missing terminator")
)

// ResetComplete carries one side's declared protocol capabilities.
type ResetComplete struct {
	MinVersion     uint8
	MaxVersion     uint8
	MaxTxChunkSize uint16
	MaxRxChunkSize uint16
}

// EncodeResetComplete serializes a capability block into its wire form.
func EncodeResetComplete(rc ResetComplete) []byte {
	payload := make([]byte, resetCompleteSize)
	payload[0] = rc.MinVersion
	payload[1] = rc.MaxVersion
	binary.LittleEndian.PutUint16(payload[2:4], rc.MaxTxChunkSize)
	binary.LittleEndian.PutUint16(payload[4:6], rc.MaxRxChunkSize)
	return payload
}

// DecodeResetComplete parses a capability block. Payloads longer than the
// fixed block are accepted so newer peers can append fields.
func DecodeResetComplete(payload []byte) (ResetComplete, error) {
	if len(payload) < resetCompleteSize {
		return ResetComplete{}, ErrMalformedResetComplete
	}
	return ResetComplete{
		MinVersion:     payload[0],
		MaxVersion:     payload[1],
		MaxTxChunkSize: binary.LittleEndian.Uint16(payload[2:4]),
		MaxRxChunkSize: binary.LittleEndian.Uint16(payload[4:6]),
	}, nil
}

func localResetComplete() ResetComplete {
	return ResetComplete{
		MinVersion:     MinProtocolVersion,
		MaxVersion:     MaxProtocolVersion,
		MaxTxChunkSize: MaxTxChunkSize,
		MaxRxChunkSize: MaxRxChunkSize,
	}
}

// versionsOverlap reports whether the peer's declared version range shares at
// least one version with the local range.
func versionsOverlap(rc ResetComplete) bool {
	return rc.MinVersion <= MaxProtocolVersion && MinProtocolVersion <= rc.MaxVersion
}

// ChunkHeader tags a chunk as either the first of an object, carrying the
// total serialized size, or a continuation, carrying the byte offset.
type ChunkHeader struct {
	IsFirst bool
	Value   uint32
}

// EncodeChunkHeader packs the header into its 4-byte wire form. The value is
// masked to 31 bits; native struct bit-field layout is never relied on.
func EncodeChunkHeader(h ChunkHeader) []byte {
	packed := h.Value & chunkValueMask
	if h.IsFirst {
		packed |= chunkFirstFlag
	}
	header := make([]byte, chunkHeaderSize)
	binary.LittleEndian.PutUint32(header, packed)
	return header
}

// DecodeChunkHeader unpacks the header and returns the chunk body that
// follows it.
func DecodeChunkHeader(payload []byte) (ChunkHeader, []byte, error) {
	if len(payload) < chunkHeaderSize {
		return ChunkHeader{}, nil, ErrMalformedChunk
	}
	packed := binary.LittleEndian.Uint32(payload[:chunkHeaderSize])
	return ChunkHeader{
		IsFirst: packed&chunkFirstFlag != 0,
		Value:   packed & chunkValueMask,
	}, payload[chunkHeaderSize:], nil
}

// EncodeUnsupportedError serializes an unsupported-error code.
func EncodeUnsupportedError(code uint8) []byte {
	return []byte{code}
}

// buildChunk assembles the wire payload for the next chunk of an object and
// returns it together with the number of object bytes it carries.
func buildChunk(data []byte, offset, chunkSize int) ([]byte, int) {
	remaining := len(data) - offset
	if remaining > chunkSize {
		remaining = chunkSize
	}

	header := ChunkHeader{}
	if offset == 0 {
		header.IsFirst = true
		header.Value = uint32(len(data))
	} else {
		header.Value = uint32(offset)
	}

	payload := make([]byte, 0, chunkHeaderSize+remaining)
	payload = append(payload, EncodeChunkHeader(header)...)
	payload = append(payload, data[offset:offset+remaining]...)
	return payload, remaining
}
