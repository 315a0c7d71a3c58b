package torrent

import (
	"fmt"
	"time"
)

// peerRecord is the controller's bookkeeping for one tracker-provided
// peer descriptor: the session state once started, plus the
// started/failed flags the reap/backfill logic needs.
type peerRecord struct {
	addr    PeerAddr
	session *Peer
	started bool
	failed  bool
}

// Controller is the torrent lifecycle driver: tracker announce, spawn
// up to max_peers sessions, reap failed peers and backfill standbys,
// detect completion, and hand the assembled bytes to the file writer.
// All torrent-state mutation happens on Run's single goroutine — the
// "one conceptual driver" of spec §5.
type Controller struct {
	meta *Metainfo
	cfg  Config

	cm   *ConnManager
	asm  *Assembler
	sch  *Scheduler
	eng  *engine
	prog *Progress
	fw   *FileWriter

	peers       []*peerRecord
	byID        map[PeerID]int // PeerID -> index into peers
	flushedBits *Bitfield      // pieces already written to disk
}

// NewController builds a controller for meta, writing completed
// output under outputDir.
func NewController(meta *Metainfo, cfg Config, outputDir string) *Controller {
	asm := NewAssembler(meta, cfg.OnHashMismatch)
	sch := NewScheduler(meta, asm, time.Now().UnixNano())

	return &Controller{
		meta: meta,
		cfg:  cfg,
		cm:   NewConnManager(),
		asm:  asm,
		sch:  sch,
		eng:  &engine{meta: meta, sched: sch, asm: asm, cfg: cfg},
		prog: NewProgress(meta.Name, meta.NumPieces()),
		fw:   NewFileWriter(outputDir, meta),
		byID: make(map[PeerID]int),
	}
}

// Run performs the tracker announce, spawns the initial peer pool,
// and drives the event loop to completion or fatal error.
func (c *Controller) Run() error {
	result, err := Announce(c.meta, c.cfg)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	for _, addr := range result.Peers {
		id := PeerID(len(c.peers))
		c.peers = append(c.peers, &peerRecord{addr: addr})
		c.byID[id] = len(c.peers) - 1
	}

	if err := c.fw.Open(); err != nil {
		return fmt.Errorf("controller: opening output files: %w", err)
	}
	defer c.fw.Close()

	for id := 0; id < len(c.peers) && c.runningCount() < c.cfg.MaxPeers; id++ {
		c.start(PeerID(id))
	}

	return c.driveLoop()
}

func (c *Controller) runningCount() int {
	n := 0
	for _, pr := range c.peers {
		if pr.started && !pr.failed {
			n++
		}
	}
	return n
}

func (c *Controller) start(id PeerID) {
	pr := c.peers[c.byID[id]]
	pr.started = true
	pr.session = NewPeer(id, pr.addr, c.meta.NumPieces())
	c.cm.Connect(id, pr.addr.String())
}

// driveLoop is the single serialization point for all torrent-state
// mutation (spec §5): it selects on the connection manager's shared
// events channel and dispatches each event to exactly one peer
// session before processing the next.
func (c *Controller) driveLoop() error {
	for ev := range c.cm.Events() {
		pr := c.peers[c.byID[ev.peer]]
		if pr.session == nil {
			continue
		}

		actions, err := pr.session.Step(ev.kind, ev.data, c.eng)
		if err != nil {
			logf("ERROR", "peer %s: %v\n", pr.addr, err)
		}

		for _, a := range actions {
			if a.Disconnect {
				c.cm.Disconnect(ev.peer)
				continue
			}
			if a.Write != nil {
				c.cm.Write(ev.peer, a.Write)
			}
		}

		if pr.session.State == Closed {
			c.onPeerStopped(ev.peer)
		}

		for _, blamed := range c.asm.DrainBlacklist() {
			if rec := c.peers[c.byID[blamed]]; rec.session != nil && rec.session.State != Closed {
				logf("FAIL", "peer %s blacklisted for contributing to a hash mismatch\n", rec.addr)
				c.cm.Disconnect(blamed)
				rec.session.State = Closed
				c.onPeerStopped(blamed)
			}
		}

		if c.checkPieceCompletions(); c.asm.AllComplete() {
			c.finish()
			return nil
		}
	}

	return nil
}

// checkPieceCompletions scans for newly-verified pieces since the
// last event and writes them to disk / advances progress. The
// assembler itself has no "just finished" signal beyond IsComplete,
// so the controller tracks what it has already flushed.
func (c *Controller) checkPieceCompletions() {
	for i := 0; i < c.meta.NumPieces(); i++ {
		if !c.asm.IsComplete(i) || c.flushed(i) {
			continue
		}

		data, ok := c.asm.Piece(i)
		if !ok {
			continue
		}
		if err := c.fw.WritePiece(i, data); err != nil {
			logf("ERROR", "writing piece %d: %v\n", i, err)
		}
		c.markFlushed(i)
		c.prog.PieceDone()
	}
}

// flushed/markFlushed track which verified pieces have already been
// written to disk, so checkPieceCompletions is idempotent across
// event loop iterations.
func (c *Controller) flushed(i int) bool {
	if c.flushedBits == nil {
		c.flushedBits = NewBitfield(c.meta.NumPieces())
	}
	return c.flushedBits.Has(i)
}

func (c *Controller) markFlushed(i int) {
	if c.flushedBits == nil {
		c.flushedBits = NewBitfield(c.meta.NumPieces())
	}
	c.flushedBits.Set(i)
}

// onPeerStopped implements the reap/backfill policy of spec §4.6: if
// the torrent is already complete, ignore; otherwise, if the running
// count is below max_peers, start the first peer that has never
// connected and never failed. A piece the reaped peer was mid-flight
// on keeps its received fragments but has its claim cleared (spec §9:
// "clears piece_requests[i]"), so phase 1 of the scheduler can hand it
// to another peer instead of relying on the phase-2 fallback.
func (c *Controller) onPeerStopped(id PeerID) {
	pr := c.peers[c.byID[id]]
	pr.failed = true

	if pr.session != nil && pr.session.InFlightPiece >= 0 {
		c.asm.ClearClaims(pr.session.InFlightPiece)
	}

	if c.asm.AllComplete() {
		return
	}

	if c.runningCount() >= c.cfg.MaxPeers {
		return
	}

	for i, cand := range c.peers {
		if !cand.started && !cand.failed {
			c.start(PeerID(i))
			return
		}
	}
}

// finish closes every peer's socket (torrent_complete, spec §4.5) and
// finalizes progress reporting.
func (c *Controller) finish() {
	c.prog.Finish()
	c.cm.Stop()
	logf("INFO", "torrent %s complete\n", c.meta.Name)
}
