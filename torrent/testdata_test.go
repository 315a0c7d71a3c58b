package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// writeTorrentFile bencodes a minimal single-file .torrent with the
// given announce URL, piece length, and content, and returns its path.
func writeTorrentFile(t *testing.T, dir, announce string, pieceLength int64, content []byte) string {
	t.Helper()

	var pieces bytes.Buffer
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sum := sha1.Sum(content[off:end])
		pieces.Write(sum[:])
	}

	info := fmt.Sprintf("d6:lengthi%de4:name%d:%s12:piece lengthi%de6:pieces%d:%se",
		len(content), len("test.bin"), "test.bin", pieceLength, pieces.Len(), pieces.String())

	root := fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info)

	path := filepath.Join(dir, "sample.torrent")
	if err := os.WriteFile(path, []byte(root), 0o644); err != nil {
		t.Fatalf("writing torrent file: %v", err)
	}
	return path
}
