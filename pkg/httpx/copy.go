package httpx

import (
	"context"
	"io"
)

const copyBufferSize = 32 * 1024

// Copy streams src into dst with cooperative cancellation between buffer
// reads. onWrite, if non-nil, receives the cumulative byte count after each
// successful write; it is the interception point for progress reporting.
//
// On cancellation the bytes already written stay written. Callers that want
// resumable output must open dst so that a partial copy is continuable
// (append mode, never truncate-on-cancel).
func Copy(ctx context.Context, dst io.Writer, src io.Reader, onWrite func(total int64)) (int64, error) {
	buf := make([]byte, copyBufferSize)

	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])

			total += int64(written)

			if writeErr != nil {
				return total, writeErr
			}

			if written < n {
				return total, io.ErrShortWrite
			}

			if onWrite != nil {
				onWrite(total)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}

			return total, readErr
		}
	}
}
