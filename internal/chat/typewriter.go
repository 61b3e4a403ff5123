package chat

import (
	"context"
	"io"
	"strings"
	"time"
)

// Reveal writes text to w one word at a time, calling flush after each word
// and pausing delay between words. It only paces output that already exists.
func Reveal(ctx context.Context, w io.Writer, text string, delay time.Duration, flush func()) error {
	words := strings.Fields(text)
	for i, word := range words {
		if i > 0 && delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if _, err := io.WriteString(w, word+" "); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return nil
}
