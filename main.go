package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lbearly/leechgo/torrent"
)

func main() {
	maxPeers := flag.Int("max-peers", 30, "maximum concurrent peer connections")
	blockLength := flag.Int64("block-length", 0, "block request size in bytes (0 = default 16 KiB)")
	outputDir := flag.String("output", ".", "directory to write the downloaded torrent into")
	blacklist := flag.Bool("blacklist-on-mismatch", false, "blacklist peers that contributed to a piece hash mismatch")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <path-to-torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	meta, err := torrent.LoadMetainfo(flag.Arg(0))
	if err != nil {
		log.Fatalf("loading metainfo: %v", err)
	}

	cfg, err := torrent.DefaultConfig(*maxPeers)
	if err != nil {
		log.Fatalf("building config: %v", err)
	}
	if *blockLength > 0 {
		cfg.BlockLength = *blockLength
	}
	if *blacklist {
		cfg.OnHashMismatch = torrent.BlacklistContributor
	}

	ctrl := torrent.NewController(meta, cfg, *outputDir)
	if err := ctrl.Run(); err != nil {
		log.Fatalf("download failed: %v", err)
	}
}
