package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds one request line.
const DefaultMaxLineBytes = 16 << 20

// lineReader yields newline-terminated lines, discarding the body of any
// line longer than max instead of buffering it.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &lineReader{r: bufio.NewReaderSize(r, 64<<10), max: max}
}

// next returns the next line without its terminator. tooLong is set when
// the line exceeded max; the returned line is then empty.
func (l *lineReader) next() (line []byte, tooLong bool, err error) {
	var buf []byte
	read := false
	for {
		chunk, rerr := l.r.ReadSlice('\n')
		if len(chunk) > 0 {
			read = true
		}
		if !tooLong {
			buf = append(buf, chunk...)
			if len(bytes.TrimRight(buf, "\r\n")) > l.max {
				tooLong, buf = true, nil
			}
		}
		switch {
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case errors.Is(rerr, io.EOF):
			if !read {
				return nil, false, io.EOF
			}
		case rerr != nil:
			return nil, false, rerr
		}
		return bytes.TrimRight(buf, "\r\n"), tooLong, nil
	}
}

// Serve reads requests from r until end of input and writes one response
// line per input line to w, except for blank lines and notifications
// (no id, method "notifications/..."), which get none. It returns nil at
// end of input and ctx.Err() when ctx ends first.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer, maxLineBytes int) error {
	lr := newLineReader(r, maxLineBytes)
	bw := bufio.NewWriter(w)
	d.log.Debug("serving requests")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, tooLong, err := lr.next()
		if errors.Is(err, io.EOF) {
			d.log.Debug("end of input")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}

		var resp *Response
		if tooLong {
			resp = failure(nil, errorf(CodeParseError, "parse error: request line exceeds %d bytes", lr.max))
			if d.observer != nil {
				d.observer.ObserveRequest("invalid", CodeParseError)
			}
		} else {
			resp = d.Handle(ctx, line)
		}
		if resp == nil {
			continue
		}
		if err := writeResponse(bw, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func writeResponse(w *bufio.Writer, resp *Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(failure(resp.ID, errorf(CodeInternalError, "encode response: %v", err)))
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	return w.Flush()
}
