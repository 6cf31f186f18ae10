package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"jean-claude-go/pkg/log"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// flusher is satisfied by http.ResponseWriter implementations that support streaming.
type flusher interface {
	Flush()
}

// Stats summarises one re-streamed response.
type Stats struct {
	Forwarded int  // content frames written to the client
	Dropped   int  // well-formed frames without content
	Malformed int  // frames whose payload was not valid JSON
	Done      bool // the upstream [DONE] marker was seen
}

// Restream reads an upstream SSE byte stream from src and writes a filtered
// stream to dst. Content frames are re-emitted unchanged, metadata frames and
// malformed lines are dropped, blank separator lines are preserved. Restream
// returns on [DONE], on upstream EOF (an incomplete trailing fragment is
// discarded), or on the first read or write error. Frames are forwarded in the
// order received and dst is flushed after every write when it supports it.
func Restream(ctx context.Context, src io.Reader, dst io.Writer) (Stats, error) {
	var stats Stats
	reader := bufio.NewReader(src)
	w := &frameWriter{dst: dst}
	if f, ok := dst.(flusher); ok {
		w.flusher = f
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("failed to read from upstream stream: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")

		switch {
		case strings.HasPrefix(line, dataPrefix):
			payload := strings.TrimSpace(line[len(dataPrefix):])
			if payload == doneMarker {
				stats.Done = true
				return stats, w.write("data: [DONE]\n\n")
			}
			if payload == "" {
				continue
			}

			chunk, perr := ParseChunk([]byte(payload))
			if perr != nil {
				stats.Malformed++
				log.Warnw("Invalid JSON in stream, skipping", "data", truncate(payload, 100))
				continue
			}
			if !chunk.HasContent() {
				stats.Dropped++
				continue
			}
			if err := w.write(dataPrefix + payload + "\n\n"); err != nil {
				return stats, err
			}
			stats.Forwarded++

		case strings.TrimSpace(line) == "":
			if err := w.write("\n"); err != nil {
				return stats, err
			}
		}
	}
}

type frameWriter struct {
	dst     io.Writer
	flusher flusher
}

func (w *frameWriter) write(frame string) error {
	if _, err := io.WriteString(w.dst, frame); err != nil {
		return fmt.Errorf("failed to write to client stream: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
