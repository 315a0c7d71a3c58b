package torrent

import "errors"

// Sentinel errors, one per disposition named in spec §7. Callers
// distinguish kinds with errors.Is rather than matching error text.
var (
	// ErrMetainfoDecode: fatal, surfaced before any network I/O.
	ErrMetainfoDecode = errors.New("metainfo: decode error")

	// ErrTrackerFailure: fatal to the torrent session.
	ErrTrackerFailure = errors.New("tracker: announce failure")
	ErrNoPeers        = errors.New("tracker: no peers in response")

	// ErrProtocolMismatch: handshake pstr didn't match the literal
	// BitTorrent protocol string. Terminates the peer session.
	ErrProtocolMismatch = errors.New("peer: protocol string mismatch")

	// ErrInfoHashMismatch: handshake info-hash didn't match ours.
	// Terminates the peer session.
	ErrInfoHashMismatch = errors.New("peer: info-hash mismatch")

	// ErrMalformedMessage: a message payload had the wrong length for
	// its id (e.g. a have, request/cancel or piece payload of the
	// wrong length, or a bitfield of the wrong size). Terminates the
	// peer session.
	ErrMalformedMessage = errors.New("peer: malformed message payload")

	// ErrUnknownMessageID: terminates the peer session.
	ErrUnknownMessageID = errors.New("peer: unknown message id")

	// ErrHashMismatch: a finalized piece failed SHA-1 verification.
	ErrHashMismatch = errors.New("assembler: piece hash mismatch")

	// ErrConnectionLost: socket closed or write failed. Peer-local.
	ErrConnectionLost = errors.New("peer: connection lost")

	// ErrNoPieceAvailable: the scheduler found nothing to assign.
	ErrNoPieceAvailable = errors.New("scheduler: no piece available")
)
