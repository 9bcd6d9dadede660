package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"homesense/internal/config"
)

const sourceFileTail = "file_tail"

// StartFileTail follows each configured file, reading envelope or CSV lines
// as they are appended.
func StartFileTail(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := &tailer{path: path, sink: sink, logger: logger, poll: 200 * time.Millisecond}
		go t.run(ctx, current.StartAtEnd)
	}
}

// tailer reopens its file from the start after truncation or rotation. Only
// the first open honours startAtEnd.
type tailer struct {
	path   string
	sink   Sink
	logger *slog.Logger
	poll   time.Duration
}

func (t *tailer) run(ctx context.Context, startAtEnd bool) {
	for ctx.Err() == nil {
		f, err := os.Open(t.path)
		if err != nil {
			if t.logger != nil {
				t.logger.Warn("tail open failed", "path", t.path, "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		var offset int64
		if startAtEnd {
			if pos, err := f.Seek(0, io.SeekEnd); err == nil {
				offset = pos
			}
			startAtEnd = false
		}
		t.follow(ctx, f, offset)
		_ = f.Close()
	}
}

// follow reads f until ctx ends or the path no longer refers to the same,
// untruncated file.
func (t *tailer) follow(ctx context.Context, f *os.File, offset int64) {
	parser := NewParser()
	reader := bufio.NewReader(f)
	var partial string
	for {
		chunk, err := reader.ReadString('\n')
		offset += int64(len(chunk))
		if err == nil {
			submitLine(ctx, t.sink, parser, sourceFileTail, partial+chunk)
			partial = ""
			continue
		}
		if err != io.EOF {
			if t.logger != nil {
				t.logger.Warn("tail read error", "path", t.path, "err", err)
			}
			return
		}
		partial += chunk
		if !BackoffSleep(ctx, t.poll) {
			return
		}
		if t.replaced(f, offset) {
			if t.logger != nil {
				t.logger.Info("tail file rotated or truncated, reopening", "path", t.path)
			}
			return
		}
	}
}

func (t *tailer) replaced(f *os.File, offset int64) bool {
	onDisk, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	open, err := f.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(onDisk, open) || onDisk.Size() < offset
}
