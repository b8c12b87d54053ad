package kfmt

import "io"

// PrefixWriter is an io.Writer that inserts a prefix at the beginning of
// every line it forwards to the wrapped writer.
type PrefixWriter struct {
	// Sink receives the prefixed output.
	Sink io.Writer

	// Prefix is written out at the start of each line.
	Prefix []byte

	// midLine tracks whether the last write ended inside a line, in which
	// case the next write continues it without a fresh prefix.
	midLine bool
}

// Write forwards p to the wrapped writer, emitting the configured prefix
// before the first byte of every line. The returned count covers only the
// bytes of p; injected prefix bytes are not included.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, start int

	for i := 0; i < len(p); i++ {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		if p[i] == '\n' {
			n, err := w.Sink.Write(p[start : i+1])
			written += n
			if err != nil {
				return written, err
			}
			start = i + 1
			w.midLine = false
		}
	}

	if start < len(p) {
		n, err := w.Sink.Write(p[start:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
