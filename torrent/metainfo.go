package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// rawMetainfo mirrors the bencoded .torrent dictionary shape. Only
// the fields the engine needs downstream are kept; everything else in
// a real .torrent file is ignored and is out of this client's scope
// beyond this boundary (spec §1, §6).
type rawMetainfo struct {
	Announce string      `bencode:"announce"`
	Info     rawInfoDict `bencode:"info"`
}

type rawInfoDict struct {
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Name        string         `bencode:"name"`
	Length      int64          `bencode:"length"`
	Files       []rawFileEntry `bencode:"files"`
}

type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// FileEntry is one output file's placement within the concatenated
// torrent content, in announce order.
type FileEntry struct {
	Path   string // relative path, segments joined with "/"
	Length int64
	Offset int64 // byte offset within the overall concatenation
}

// Metainfo is the immutable, parsed form of a .torrent file that the
// download engine consumes. Constructed once by LoadMetainfo and never
// mutated afterward (spec §3 lifecycle).
type Metainfo struct {
	Announce    string
	InfoHash    [20]byte
	PieceLength int64
	PieceHashes [][20]byte
	Name        string
	Files       []FileEntry
	TotalLength int64
}

// NumPieces is len(PieceHashes).
func (m *Metainfo) NumPieces() int { return len(m.PieceHashes) }

// PieceLen returns the length of piece i, honoring the derived
// invariant that the last piece is T-(N-1)*L and every other piece is L.
func (m *Metainfo) PieceLen(i int) int64 {
	if i == m.NumPieces()-1 {
		last := m.TotalLength - int64(m.NumPieces()-1)*m.PieceLength
		if last <= 0 {
			last = m.PieceLength
		}
		return last
	}
	return m.PieceLength
}

// LoadMetainfo reads and parses a .torrent file at path.
func LoadMetainfo(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrMetainfoDecode, path, err)
	}

	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetainfoDecode, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: locating info dict: %v", ErrMetainfoDecode, err)
	}
	infoHash := sha1.Sum(infoBytes)

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of 20", ErrMetainfoDecode, len(raw.Info.Pieces))
	}
	n := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	files, total, err := buildFileLayout(raw.Info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetainfoDecode, err)
	}

	m := &Metainfo{
		Announce:    raw.Announce,
		InfoHash:    infoHash,
		PieceLength: raw.Info.PieceLength,
		PieceHashes: hashes,
		Name:        raw.Info.Name,
		Files:       files,
		TotalLength: total,
	}

	if m.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length %d", ErrMetainfoDecode, m.PieceLength)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: zero pieces", ErrMetainfoDecode)
	}
	if last := total - int64(n-1)*m.PieceLength; last <= 0 || last > m.PieceLength {
		return nil, fmt.Errorf("%w: %d pieces of length %d do not match total length %d", ErrMetainfoDecode, n, m.PieceLength, total)
	}

	return m, nil
}

func buildFileLayout(info rawInfoDict) ([]FileEntry, int64, error) {
	if len(info.Files) == 0 {
		if info.Length <= 0 {
			return nil, 0, fmt.Errorf("single-file torrent with non-positive length %d", info.Length)
		}
		return []FileEntry{{Path: info.Name, Length: info.Length, Offset: 0}}, info.Length, nil
	}

	var offset int64
	files := make([]FileEntry, 0, len(info.Files))
	for _, fe := range info.Files {
		if fe.Length < 0 {
			return nil, 0, fmt.Errorf("negative file length %d", fe.Length)
		}
		rel := info.Name
		for _, seg := range fe.Path {
			rel = rel + "/" + seg
		}
		files = append(files, FileEntry{Path: rel, Length: fe.Length, Offset: offset})
		offset += fe.Length
	}

	return files, offset, nil
}

// extractInfoBytes recovers the exact byte range of the "info"
// dictionary within the original bencoded file. The info-hash is
// defined over these bytes verbatim; a decode-then-reencode round
// trip through any bencode library is not guaranteed to reproduce the
// original byte layout (key order, integer formatting), so this scans
// the raw bytes instead of re-marshaling the decoded struct.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		b := data[i]

		switch {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}
			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}
			if j < len(data) && data[j] == ':' {
				length, err := strconv.Atoi(string(data[i:j]))
				if err != nil {
					return nil, fmt.Errorf("invalid string length at offset %d: %w", i, err)
				}
				i = j + length
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}
