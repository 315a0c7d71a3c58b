package torrent

import (
	"crypto/sha1"
	"fmt"
	"sort"
)

// fragment is one received (offset, bytes) chunk of an incomplete piece.
type fragment struct {
	begin int64
	data  []byte
}

// pieceLedger is the incomplete-state per-piece bookkeeping: the
// fragments received so far and the set of peers that have claimed
// this piece (piece_requests[i] in spec §3/§4.4).
type pieceLedger struct {
	fragments []fragment
	claimedBy map[PeerID]struct{}
	received  int64 // sum of fragment lengths
}

// Assembler owns the piece ledger exclusively on behalf of the
// controller's single driver goroutine — it is never touched
// concurrently (spec §5), so it carries no locking of its own.
type Assembler struct {
	meta     *Metainfo
	policy   HashMismatchPolicy
	ledgers  map[int]*pieceLedger
	complete map[int][]byte
	doneBits *Bitfield

	// pendingBlacklist accumulates the claimants of a mismatched
	// piece under the BlacklistContributor policy, for the
	// controller to drain and reap after each driver-loop iteration.
	pendingBlacklist []PeerID
}

// NewAssembler builds an assembler for the given metainfo.
func NewAssembler(meta *Metainfo, policy HashMismatchPolicy) *Assembler {
	return &Assembler{
		meta:     meta,
		policy:   policy,
		ledgers:  make(map[int]*pieceLedger),
		complete: make(map[int][]byte),
		doneBits: NewBitfield(meta.NumPieces()),
	}
}

// IsComplete reports whether piece i has been verified and stored.
func (a *Assembler) IsComplete(i int) bool { return a.doneBits.Has(i) }

// AllComplete reports whether every piece is complete (terminal state).
func (a *Assembler) AllComplete() bool { return a.doneBits.Count() == a.meta.NumPieces() }

// Claimants returns the peers currently recorded against piece_requests[i].
func (a *Assembler) Claimants(i int) map[PeerID]struct{} {
	l, ok := a.ledgers[i]
	if !ok {
		return nil
	}
	return l.claimedBy
}

// Claim records that peer p has claimed piece i (drive() step 3).
func (a *Assembler) Claim(i int, p PeerID) {
	l := a.ledgerFor(i)
	l.claimedBy[p] = struct{}{}
}

// ClearClaims clears piece_requests[i], e.g. on peer loss or finalize.
func (a *Assembler) ClearClaims(i int) {
	if l, ok := a.ledgers[i]; ok {
		l.claimedBy = make(map[PeerID]struct{})
	}
}

func (a *Assembler) ledgerFor(i int) *pieceLedger {
	l, ok := a.ledgers[i]
	if !ok {
		l = &pieceLedger{claimedBy: make(map[PeerID]struct{})}
		a.ledgers[i] = l
	}
	return l
}

// NextOffset returns the lowest legal block offset not yet covered by
// a received fragment for piece i — used both for a fresh claim
// (offset 0) and for a peer resuming a piece with residual fragments
// left behind by a previous contributor (spec §9).
func (a *Assembler) NextOffset(i int, blockLen int64) int64 {
	l, ok := a.ledgers[i]
	if !ok {
		return 0
	}

	have := make(map[int64]bool, len(l.fragments))
	for _, f := range l.fragments {
		have[f.begin] = true
	}

	pieceLen := a.meta.PieceLen(i)
	for off := int64(0); off < pieceLen; off += blockLen {
		if !have[off] {
			return off
		}
	}
	return pieceLen
}

// FinalizeResult reports what AddFragment's finalize pass did, so the
// caller (the peer session driving drive()) knows how to react.
type FinalizeResult int

const (
	// NotFinal: the piece isn't complete yet; keep requesting.
	NotFinal FinalizeResult = iota
	// Verified: the piece finalized and passed SHA-1 verification.
	Verified
	// Mismatched: the piece finalized but failed SHA-1 verification.
	Mismatched
	// DuplicateOffset: a fragment at this offset already existed;
	// the caller must re-request starting at the same begin.
	DuplicateOffset
	// AlreadyComplete: the piece was already complete; fragment dropped.
	AlreadyComplete
)

// AddFragment implements the per-piece ledger rules of spec §4.5.
func (a *Assembler) AddFragment(index int, begin int64, data []byte) FinalizeResult {
	if a.IsComplete(index) {
		return AlreadyComplete
	}

	l := a.ledgerFor(index)
	for _, f := range l.fragments {
		if f.begin == begin {
			return DuplicateOffset
		}
	}

	l.fragments = append(l.fragments, fragment{begin: begin, data: data})
	l.received += int64(len(data))

	if l.received < a.meta.PieceLen(index) {
		return NotFinal
	}

	return a.finalize(index, l)
}

func (a *Assembler) finalize(index int, l *pieceLedger) FinalizeResult {
	sort.Slice(l.fragments, func(i, j int) bool { return l.fragments[i].begin < l.fragments[j].begin })

	buf := make([]byte, 0, a.meta.PieceLen(index))
	for _, f := range l.fragments {
		buf = append(buf, f.data...)
	}

	sum := sha1.Sum(buf)
	if sum != a.meta.PieceHashes[index] {
		a.handleMismatch(index, l)
		return Mismatched
	}

	a.complete[index] = buf
	a.doneBits.Set(index)
	delete(a.ledgers, index)

	return Verified
}

// handleMismatch applies the configured policy (spec §9): always
// discard the fragments so the piece can be retried; additionally
// report which peers had claimed the piece, for BlacklistContributor
// callers.
func (a *Assembler) handleMismatch(index int, l *pieceLedger) {
	logf("ERROR", "piece %d failed hash verification, discarding %d fragments\n", index, len(l.fragments))

	if a.policy == BlacklistContributor {
		for p := range l.claimedBy {
			a.pendingBlacklist = append(a.pendingBlacklist, p)
		}
	}

	delete(a.ledgers, index)
}

// DrainBlacklist returns and clears the peers queued for blacklisting
// by the BlacklistContributor policy since the last call.
func (a *Assembler) DrainBlacklist() []PeerID {
	if len(a.pendingBlacklist) == 0 {
		return nil
	}
	out := a.pendingBlacklist
	a.pendingBlacklist = nil
	return out
}

// Piece returns the verified bytes for a complete piece.
func (a *Assembler) Piece(i int) ([]byte, bool) {
	b, ok := a.complete[i]
	return b, ok
}

// Concat returns every piece's bytes concatenated in index order. Only
// meaningful once AllComplete() is true.
func (a *Assembler) Concat() ([]byte, error) {
	total := a.meta.TotalLength
	out := make([]byte, 0, total)
	for i := 0; i < a.meta.NumPieces(); i++ {
		b, ok := a.complete[i]
		if !ok {
			return nil, fmt.Errorf("assembler: piece %d missing at finalize time", i)
		}
		out = append(out, b...)
	}
	return out, nil
}
