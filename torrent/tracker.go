package torrent

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// PeerAddr identifies a candidate peer endpoint from the tracker,
// before any connection has been attempted.
type PeerAddr struct {
	IP   string
	Port uint16
}

func (p PeerAddr) String() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }

// rawTrackerResponse mirrors the bencoded announce response. Peers
// arrives as either a compact binary string or a list of dicts; both
// are legal per spec §6, so it's decoded into interface{} and
// disambiguated afterward.
type rawTrackerResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

// AnnounceResult is the decoded, peer-list-normalized tracker response.
type AnnounceResult struct {
	Interval int
	Peers    []PeerAddr
}

// announceHTTPClient is shared across announces; a fresh client per
// call would leak idle connections with no reuse benefit.
var announceHTTPClient = &http.Client{Timeout: 15 * time.Second}

// Announce performs a single HTTP GET against the tracker named in
// m.Announce, per the parameters in spec §6. UDP trackers, multi-tier
// announce-lists, and periodic re-announce are all out of scope here.
func Announce(m *Metainfo, cfg Config) (AnnounceResult, error) {
	u, err := url.Parse(m.Announce)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("%w: parsing announce URL: %v", ErrTrackerFailure, err)
	}

	q := url.Values{}
	q.Set("info_hash", string(m.InfoHash[:]))
	q.Set("peer_id", string(cfg.PeerID[:]))
	q.Set("port", fmt.Sprintf("%d", cfg.ListenPort))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", fmt.Sprintf("%d", m.TotalLength))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("%w: building request: %v", ErrTrackerFailure, err)
	}
	req.Header.Set("User-Agent", "leechgo/1.0")

	logf("INFO", "announcing to %s\n", m.Announce)

	resp, err := announceHTTPClient.Do(req)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnnounceResult{}, fmt.Errorf("%w: HTTP status %d", ErrTrackerFailure, resp.StatusCode)
	}

	var raw rawTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return AnnounceResult{}, fmt.Errorf("%w: decoding response: %v", ErrTrackerFailure, err)
	}

	if raw.FailureReason != "" {
		return AnnounceResult{}, fmt.Errorf("%w: %s", ErrTrackerFailure, raw.FailureReason)
	}

	peers, err := parsePeers(raw.Peers)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	if len(peers) == 0 {
		return AnnounceResult{}, ErrNoPeers
	}

	return AnnounceResult{Interval: raw.Interval, Peers: peers}, nil
}

// parsePeers disambiguates the compact-string and list-of-dicts forms.
func parsePeers(v interface{}) ([]PeerAddr, error) {
	switch t := v.(type) {
	case string:
		return parseCompactPeers([]byte(t))
	case []interface{}:
		peers := make([]PeerAddr, 0, len(t))
		for _, e := range t {
			d, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer list entry is not a dict")
			}
			ip, _ := d["ip"].(string)
			var port int
			switch pv := d["port"].(type) {
			case int64:
				port = int(pv)
			case int:
				port = pv
			}
			peers = append(peers, PeerAddr{IP: ip, Port: uint16(port)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unrecognized peers field type %T", v)
	}
}

// parseCompactPeers decodes 6-byte records: 4 bytes IPv4 + 2 bytes
// big-endian port.
func parseCompactPeers(raw []byte) ([]PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(raw))
	}

	peers := make([]PeerAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}

	return peers, nil
}
