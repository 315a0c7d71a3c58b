package torrent

import (
	"encoding/binary"
	"fmt"
)

// pstr is the fixed protocol string every handshake must carry.
const pstr = "BitTorrent protocol"

// HandshakeLen is the exact wire size of a handshake: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + len(pstr) + 8 + 20 + 20

// Handshake is the decoded form of the 68-byte handshake preamble.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake renders the handshake byte-exactly: pstrlen(1) +
// pstr(19) + reserved(8, zero) + info_hash(20) + peer_id(20).
func EncodeHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(pstr)))
	buf = append(buf, pstr...)
	buf = append(buf, make([]byte, 8)...) // reserved, all zero
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return buf
}

// DecodeHandshake parses a 68-byte handshake. Any pstr other than the
// literal "BitTorrent protocol" is a protocol error.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, fmt.Errorf("%w: handshake length %d, want %d", ErrMalformedMessage, len(buf), HandshakeLen)
	}

	pstrlen := int(buf[0])
	if pstrlen != len(pstr) || string(buf[1:1+len(pstr)]) != pstr {
		return Handshake{}, fmt.Errorf("%w: got pstr %q", ErrProtocolMismatch, buf[1:1+min(pstrlen, len(buf)-1)])
	}

	var hs Handshake
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])
	return hs, nil
}

// MessageID identifies the ten message kinds after the handshake.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

// Message is a decoded post-handshake frame. A keep-alive decodes to
// the zero Message with KeepAlive set.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// EncodeMessage renders a length-prefixed frame: 4-byte big-endian
// length, then (for non-keepalive) one id byte and the payload.
func EncodeMessage(m Message) []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// DecodeMessage parses one complete frame (length prefix plus that
// many body bytes) already delivered in `body`, where `body` excludes
// the length prefix seen by the caller's framing loop. body must be
// exactly the frame payload: empty for keep-alive, 1+payload otherwise.
func DecodeMessage(body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{KeepAlive: true}, nil
	}

	id := MessageID(body[0])
	if id > MsgPort {
		return Message{}, fmt.Errorf("%w: id %d", ErrUnknownMessageID, body[0])
	}

	msg := Message{ID: id}
	if len(body) > 1 {
		msg.Payload = body[1:]
	}
	return msg, nil
}

// Request/cancel/piece payload helpers — these three message types
// share the (index, begin[, length|block]) shape.

// EncodeRequestPayload builds the 12-byte request/cancel payload.
func EncodeRequestPayload(index, begin, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return buf
}

// DecodeRequestPayload parses a request/cancel payload.
func DecodeRequestPayload(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload length %d, want 12", ErrMalformedMessage, len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12]),
		nil
}

// EncodePiecePayload builds the "piece" payload: index, begin, then
// the raw block bytes.
func EncodePiecePayload(index, begin uint32, block []byte) []byte {
	buf := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	copy(buf[8:], block)
	return buf
}

// DecodePiecePayload parses a "piece" payload.
func DecodePiecePayload(payload []byte) (index, begin uint32, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload length %d, want >= 8", ErrMalformedMessage, len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		payload[8:],
		nil
}

// EncodeHavePayload builds the 4-byte "have" payload.
func EncodeHavePayload(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

// DecodeHavePayload parses a "have" payload.
func DecodeHavePayload(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload length %d, want 4", ErrMalformedMessage, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}
