// Package claude watches assistant transcript files and derives a
// per-session activity status plus a one-shot notification latch.
package claude

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/muxtunnel/muxtunneld/internal/model"
)

// tailReadBytes bounds the transcript read. Transcripts are
// append-only, so the last complete line is always inside the tail.
const tailReadBytes = 10000

const (
	userThinkingWindow      = 60 * time.Second
	assistantThinkingWindow = 3 * time.Second
)

// SessionStatus classifies a transcript by its last complete JSON line
// and the file's modification age. Any read or parse failure is idle.
func SessionStatus(jsonlPath string, now time.Time) model.Status {
	meta, err := os.Stat(jsonlPath)
	if err != nil || meta.Size() == 0 {
		return model.StatusIdle
	}

	f, err := os.Open(jsonlPath)
	if err != nil {
		return model.StatusIdle
	}
	defer f.Close()

	readSize := meta.Size()
	if readSize > tailReadBytes {
		if _, err := f.Seek(meta.Size()-tailReadBytes, io.SeekStart); err != nil {
			return model.StatusIdle
		}
		readSize = tailReadBytes
	}
	buf := make([]byte, readSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return model.StatusIdle
	}

	lastLine := lastNonEmptyLine(string(buf[:n]))
	if lastLine == "" || !gjson.Valid(lastLine) {
		return model.StatusIdle
	}

	age := now.Sub(meta.ModTime())
	switch gjson.Get(lastLine, "type").String() {
	case "summary":
		return model.StatusDone
	case "user":
		if age < userThinkingWindow {
			return model.StatusThinking
		}
		return model.StatusDone
	case "assistant":
		if age < assistantThinkingWindow {
			return model.StatusThinking
		}
		return model.StatusDone
	default:
		return model.StatusIdle
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
