package torrent

import "fmt"

// PeerID identifies a peer session within the controller's peer
// table. Sessions hold this identifier, not a back-pointer into the
// table (spec §9's "peers hold identifiers, not owners").
type PeerID int

// SessionState is the peer session's coarse lifecycle state (spec §4.3).
type SessionState int

const (
	Dialing SessionState = iota
	Handshaking
	Ready
	Closed
)

// Event is the explicit event enum a session's step() consumes,
// replacing ad-hoc callbacks (spec §9).
type Event int

const (
	EventConnected Event = iota
	EventConnectFailed
	EventData
	EventLost
)

// Action is one outbound effect a session's step() asks the driver to
// perform: write bytes to the peer's socket, or disconnect it.
type Action struct {
	Write      []byte
	Disconnect bool
}

// Peer is one peer session's complete state: wire-protocol flags, the
// piece it is currently downloading, and its advertised bitfield.
// Mutated only by its own session logic, on the driver goroutine
// (spec §3 ownership).
type Peer struct {
	ID       PeerID
	Addr     PeerAddr
	RemoteID [20]byte

	State SessionState

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	Has *Bitfield

	InFlightPiece  int // -1 if none
	inFlightBegin  int64
	sentInterested bool

	recvBuf []byte // partial-frame accumulator for inbound data
}

// NewPeer constructs a peer session in its initial DIALING state with
// the flag defaults named in spec §3.
func NewPeer(id PeerID, addr PeerAddr, numPieces int) *Peer {
	return &Peer{
		ID:             id,
		Addr:           addr,
		State:          Dialing,
		AmChoking:      true,
		AmInterested:   false,
		PeerChoking:    true,
		PeerInterested: false,
		Has:            NewBitfield(numPieces),
		InFlightPiece:  -1,
	}
}

// engine bundles the dependencies a peer session's step() needs to
// consult or mutate: metainfo for piece lengths, the scheduler to
// claim a piece, and the assembler to route received blocks and learn
// about claims. The controller constructs one engine per torrent and
// shares it across all of that torrent's peer sessions.
type engine struct {
	meta  *Metainfo
	sched *Scheduler
	asm   *Assembler
	cfg   Config
}

// Step advances a peer session by one event, per the transition table
// in spec §4.3, and returns the actions the driver must carry out.
// Step never performs I/O itself — it is a pure function of (state,
// event, engine) to (new state, actions), in the spirit of spec §9's
// explicit state-machine note.
func (p *Peer) Step(ev Event, data []byte, e *engine) ([]Action, error) {
	switch ev {
	case EventConnected:
		return p.onConnected(e)
	case EventConnectFailed, EventLost:
		p.State = Closed
		return nil, ErrConnectionLost
	case EventData:
		return p.onData(data, e)
	default:
		return nil, fmt.Errorf("peer: unknown event %d", ev)
	}
}

func (p *Peer) onConnected(e *engine) ([]Action, error) {
	if p.State != Dialing {
		return nil, nil
	}
	p.State = Handshaking
	hs := EncodeHandshake(e.meta.InfoHash, e.cfg.PeerID)
	return []Action{{Write: hs}}, nil
}

// onData appends newly delivered bytes to the session's partial-frame
// buffer and consumes as many complete frames as are available. A
// single TCP read may contain zero, one, or several frames, or end
// mid-frame (spec §4.2's delivery-granularity note).
func (p *Peer) onData(data []byte, e *engine) ([]Action, error) {
	p.recvBuf = append(p.recvBuf, data...)

	var actions []Action

	for {
		if p.State == Handshaking {
			if len(p.recvBuf) < HandshakeLen {
				break
			}
			hs, err := DecodeHandshake(p.recvBuf[:HandshakeLen])
			if err != nil {
				p.State = Closed
				return actions, err
			}
			if hs.InfoHash != e.meta.InfoHash {
				p.State = Closed
				return actions, ErrInfoHashMismatch
			}
			p.RemoteID = hs.PeerID
			p.recvBuf = p.recvBuf[HandshakeLen:]
			p.State = Ready

			more, err := p.drive(e)
			if err != nil {
				return actions, err
			}
			actions = append(actions, more...)
			continue
		}

		if p.State != Ready {
			break
		}

		frame, rest, ok, err := splitFrame(p.recvBuf)
		if err != nil {
			p.State = Closed
			return actions, err
		}
		if !ok {
			break
		}
		p.recvBuf = rest

		msg, err := DecodeMessage(frame)
		if err != nil {
			p.State = Closed
			return actions, err
		}

		more, err := p.handleMessage(msg, e)
		if err != nil {
			p.State = Closed
			return actions, err
		}
		actions = append(actions, more...)
	}

	return actions, nil
}

// splitFrame extracts one length-prefixed frame from buf, if a
// complete one is present. ok is false if buf doesn't yet contain a
// full frame (caller should wait for more data).
func splitFrame(buf []byte) (frame []byte, rest []byte, ok bool, err error) {
	if len(buf) < 4 {
		return nil, buf, false, nil
	}
	length := int(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]))
	if length < 0 {
		return nil, buf, false, fmt.Errorf("%w: negative frame length", ErrMalformedMessage)
	}
	if len(buf) < 4+length {
		return nil, buf, false, nil
	}
	return buf[4 : 4+length], buf[4+length:], true, nil
}

func (p *Peer) handleMessage(msg Message, e *engine) ([]Action, error) {
	if msg.KeepAlive {
		return nil, nil
	}

	switch msg.ID {
	case MsgChoke:
		p.PeerChoking = true
		return nil, nil

	case MsgUnchoke:
		p.PeerChoking = false
		return p.drive(e)

	case MsgInterested:
		p.PeerInterested = true
		return nil, nil

	case MsgNotInterested:
		p.PeerInterested = false
		return nil, nil

	case MsgHave:
		idx, err := DecodeHavePayload(msg.Payload)
		if err != nil {
			return nil, err
		}
		p.Has.Set(int(idx))
		return nil, nil

	case MsgBitfield:
		bf, err := DecodeBitfield(msg.Payload, p.Has.Len())
		if err != nil {
			return nil, err
		}
		p.Has = bf
		return nil, nil

	case MsgPiece:
		return p.onPiece(msg.Payload, e)

	case MsgRequest, MsgCancel, MsgPort:
		// This is a leech-only client: it never serves blocks, so
		// request/cancel are no-ops, and port (the DHT listen-port
		// extension) is tolerated but unused (spec §9).
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: id %d", ErrUnknownMessageID, msg.ID)
	}
}

func (p *Peer) onPiece(payload []byte, e *engine) ([]Action, error) {
	index, begin, block, err := DecodePiecePayload(payload)
	if err != nil {
		return nil, err
	}

	if p.InFlightPiece != int(index) {
		// Not the piece we're tracking for this peer (stale/duplicate
		// reply); drop silently.
		return nil, nil
	}
	if int64(begin) != p.inFlightBegin {
		return nil, nil
	}

	result := e.asm.AddFragment(int(index), int64(begin), block)

	switch result {
	case DuplicateOffset:
		// Re-request starting at the same begin (spec §4.5).
		return p.requestAt(index, begin, e)

	case Verified:
		p.InFlightPiece = -1
		return p.drive(e)

	case Mismatched:
		p.InFlightPiece = -1
		more, driveErr := p.drive(e)
		if driveErr != nil {
			return more, driveErr
		}
		return more, fmt.Errorf("%w: piece %d", ErrHashMismatch, index)

	case AlreadyComplete:
		p.InFlightPiece = -1
		return p.drive(e)

	default: // NotFinal
		nextBegin := int64(begin) + int64(len(block))
		pieceLen := e.meta.PieceLen(int(index))
		if nextBegin >= pieceLen {
			// Should not happen if lengths were legal, but guard.
			p.InFlightPiece = -1
			return p.drive(e)
		}
		return p.requestAt(index, uint32(nextBegin), e)
	}
}

func (p *Peer) requestAt(index, begin uint32, e *engine) ([]Action, error) {
	if p.PeerChoking {
		// Request suppression: drop requests to a choking peer (spec §4.3).
		return nil, nil
	}

	pieceLen := e.meta.PieceLen(int(index))
	remaining := pieceLen - int64(begin)
	length := e.cfg.BlockLength
	if remaining < length {
		length = remaining
	}

	p.inFlightBegin = int64(begin)

	payload := EncodeRequestPayload(index, begin, uint32(length))
	msg := EncodeMessage(Message{ID: MsgRequest, Payload: payload})
	return []Action{{Write: msg}}, nil
}

// drive is the session's outbound step (spec §4.3): invoked after
// handshake, after unchoke, and after each resolved block.
func (p *Peer) drive(e *engine) ([]Action, error) {
	if p.PeerChoking {
		if p.sentInterested {
			return nil, nil
		}
		p.sentInterested = true
		p.AmInterested = true
		msg := EncodeMessage(Message{ID: MsgInterested})
		return []Action{{Write: msg}}, nil
	}

	if p.InFlightPiece >= 0 {
		return nil, nil
	}

	idx, ok := e.sched.Choose(p.Has)
	if !ok {
		p.State = Closed
		return []Action{{Disconnect: true}}, ErrNoPieceAvailable
	}

	p.InFlightPiece = idx
	e.asm.Claim(idx, p.ID)

	begin := e.asm.NextOffset(idx, e.cfg.BlockLength)
	return p.requestAt(uint32(idx), uint32(begin), e)
}
