package torrent

import "math/rand"

// Scheduler implements the deterministic, no-rarest-first piece
// assignment policy of spec §4.4. It consults the Assembler (for
// completion/claim state) and a peer's advertised bitfield; it never
// mutates either.
type Scheduler struct {
	meta *Metainfo
	asm  *Assembler
	rng  *rand.Rand
}

// NewScheduler builds a scheduler over the given assembler. rngSeed
// lets tests make phase-2's random choice deterministic; production
// callers should seed from a real entropy source.
func NewScheduler(meta *Metainfo, asm *Assembler, rngSeed int64) *Scheduler {
	return &Scheduler{meta: meta, asm: asm, rng: rand.New(rand.NewSource(rngSeed))}
}

// Choose implements choose(peer) -> piece_index | none.
//
// Phase 1 (sequential-preferred): the lowest index i that is
// incomplete, unclaimed, and advertised by peerHas wins — this
// partitions work across peers with no coordination beyond the
// shared ledger.
//
// Phase 2 (fallback): if phase 1 finds nothing, pick uniformly at
// random among incomplete pieces the peer advertises, regardless of
// claim state. This intentionally violates the at-most-one invariant;
// the assembler's offset-dedup makes duplicate contributions idempotent.
func (s *Scheduler) Choose(peerHas *Bitfield) (int, bool) {
	n := s.meta.NumPieces()

	for i := 0; i < n; i++ {
		if s.asm.IsComplete(i) {
			continue
		}
		if len(s.asm.Claimants(i)) > 0 {
			continue
		}
		if !peerHas.Has(i) {
			continue
		}
		return i, true
	}

	var candidates []int
	for i := 0; i < n; i++ {
		if !s.asm.IsComplete(i) && peerHas.Has(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	return candidates[s.rng.Intn(len(candidates))], true
}
