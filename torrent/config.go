package torrent

import (
	"fmt"

	"github.com/google/uuid"
)

// HashMismatchPolicy selects how the assembler reacts to a piece that
// fails SHA-1 verification. The source this client is based on raises
// an error but never decided what happens to the accumulated
// fragments or the contributing peers; both strategies below are
// legal readings of that ambiguity.
type HashMismatchPolicy int

const (
	// DiscardAndRetry clears the failed piece's fragments and leaves
	// it open for any peer (including the original contributor) to
	// reclaim and redownload.
	DiscardAndRetry HashMismatchPolicy = iota
	// BlacklistContributor does the same, and additionally marks
	// every peer currently recorded as a claimant of the failed piece
	// as failed, so the controller reaps and backfills them.
	BlacklistContributor
)

// Config is the immutable, explicit configuration shared by the
// controller and every peer session it spawns. There is no process
// global state beyond this struct.
type Config struct {
	// PeerID is our 20-byte BitTorrent peer identifier, sent in every
	// handshake. Stable for the lifetime of the process.
	PeerID [20]byte

	// MaxPeers is the session concurrency cap enforced by the
	// controller's spawn/reap/backfill logic.
	MaxPeers int

	// BlockLength is B, the block size requested from peers. 16 KiB
	// by convention; the last block of a piece may be shorter.
	BlockLength int64

	// OnHashMismatch selects the policy described above.
	OnHashMismatch HashMismatchPolicy

	// ListenPort is advertised to the tracker; this client never
	// accepts inbound connections, but trackers expect a port value.
	ListenPort uint16
}

const defaultBlockLength = 1 << 14 // 16 KiB

// DefaultConfig returns a Config with a freshly generated peer-id and
// the block size and concurrency cap this client defaults to.
func DefaultConfig(maxPeers int) (Config, error) {
	id, err := newPeerID()
	if err != nil {
		return Config{}, fmt.Errorf("generating peer id: %w", err)
	}

	return Config{
		PeerID:      id,
		MaxPeers:    maxPeers,
		BlockLength: defaultBlockLength,
		ListenPort:  6881,
	}, nil
}

// newPeerID builds a 20-byte Azureus-style peer id: an 8-byte client
// tag followed by 12 bytes of randomness. uuid.New() already draws on
// a CSPRNG, so its first 12 raw bytes serve as that randomness without
// a second call into crypto/rand.
func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:8], []byte("-LG0001-"))

	u, err := uuid.NewRandom()
	if err != nil {
		return id, fmt.Errorf("generating peer id randomness: %w", err)
	}

	raw := u[:]
	copy(id[8:], raw[:12])

	return id, nil
}
