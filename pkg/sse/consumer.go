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

// Callbacks receive the decoded events of a consumed stream. Nil fields are skipped.
type Callbacks struct {
	OnChunk    func(text string)
	OnComplete func()
	OnError    func(err error)
}

func (cb Callbacks) chunk(text string) {
	if cb.OnChunk != nil {
		cb.OnChunk(text)
	}
}

func (cb Callbacks) complete() {
	if cb.OnComplete != nil {
		cb.OnComplete()
	}
}

func (cb Callbacks) fail(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// Consume parses a stream produced by Restream (or directly by the upstream
// API) and reports content deltas through cb. OnComplete fires once on [DONE]
// or at end of stream; OnError fires once on a read failure, and the same
// error is returned. Empty and malformed data lines are skipped. When ctx is
// cancelled Consume stops between lines and returns ctx.Err() without calling
// either terminal callback.
func Consume(ctx context.Context, src io.Reader, cb Callbacks) error {
	reader := bufio.NewReader(src)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				cb.complete()
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			err = fmt.Errorf("stream processing failed: %w", err)
			cb.fail(err)
			return err
		}

		if !strings.HasPrefix(line, dataPrefix) {
			// event:, id:, comments and separators carry nothing for us
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == doneMarker {
			cb.complete()
			return nil
		}
		if payload == "" {
			continue
		}

		chunk, perr := ParseChunk([]byte(payload))
		if perr != nil {
			log.Debugf("Invalid JSON in stream, ignoring: %s", truncate(payload, 100))
			continue
		}
		if chunk.HasContent() {
			cb.chunk(chunk.Content)
		}
	}
}
