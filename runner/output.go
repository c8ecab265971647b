package runner

import (
	"bufio"
	"io"
	"time"
)

// captureLines reads r line-by-line, emitting one Line per record. A line
// longer than maxLen is split into multiple records: every maxLen-byte
// chunk but the logical line's last is emitted with Truncated=true and
// TruncatedMarker appended, and the remainder continues as the next
// record rather than being discarded (§8 boundary law: "one byte over
// emits two records with the marker on the first"). A line of exactly
// maxLen bytes is emitted whole, untruncated.
//
// No direct teacher equivalent — cronmon never captures output. Grounded
// on original_source/src/core/process_manager.py's
// _start_output_capture (one goroutine-equivalent thread per stream,
// matching §5's one-drainer-per-pipe rule), reimplemented with a bounded
// buffer instead of the Python version's unbounded string accumulation.
func captureLines(stream string, r io.Reader, maxLen int) <-chan Line {
	out := make(chan Line, 64)

	go func() {
		defer close(out)

		br := bufio.NewReaderSize(r, 4096)
		for {
			err := readLine(br, maxLen, func(payload []byte, truncated bool) {
				out <- newLine(stream, payload, truncated)
			})
			if err != nil {
				return
			}
		}
	}()

	return out
}

// readLine reads one '\n'-delimited line, invoking emit once per maxLen-byte
// chunk. Every chunk but the line's last carries truncated=true; the last
// (found at '\n' or at the stream's end) is emitted untruncated, even if
// empty, so the caller always learns a logical line has ended.
func readLine(br *bufio.Reader, maxLen int, emit func(payload []byte, truncated bool)) error {
	buf := make([]byte, 0, 256)

	for {
		b, readErr := br.ReadByte()
		if readErr != nil {
			if len(buf) > 0 {
				emit(append([]byte(nil), buf...), false)
			}
			return readErr
		}

		if b == '\n' {
			emit(trimCR(buf), false)
			return nil
		}

		if len(buf) >= maxLen {
			emit(append([]byte(nil), buf...), true)
			buf = buf[:0]
		}

		buf = append(buf, b)
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

func newLine(stream string, payload []byte, truncated bool) Line {
	out := append([]byte(nil), payload...)
	if truncated {
		out = append(out, []byte(" "+TruncatedMarker)...)
	}
	return Line{
		Stream:    stream,
		Payload:   out,
		Truncated: truncated,
		At:        time.Now(),
	}
}
