package torrent

import (
	"fmt"
	"log"

	"github.com/mitchellh/colorstring"
)

// tagColor maps a log tag to the colorstring color that highlights it.
var tagColor = map[string]string{
	"INFO":  "green",
	"FAIL":  "yellow",
	"ERROR": "red",
}

// logf writes a bracket-tagged, colorized log line: green for info,
// yellow for a recoverable failure, red for an error. Tags match the
// ones a reader of peer/tracker traffic expects to grep for.
func logf(tag, format string, args ...interface{}) {
	color, ok := tagColor[tag]
	if !ok {
		color = "default"
	}

	prefix := colorstring.Color(fmt.Sprintf("[%s][%s][reset]\t", color, tag))
	log.Printf(prefix+format, args...)
}
