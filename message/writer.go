// Package message has helpers for the raw form of messages as stored in the
// spool: CRLF line endings and a header block separated from the content.
package message

import (
	"bytes"
	"io"
)

// Writer is a write-through helper that replaces bare \n line endings with
// \r\n, and keeps track of the size written and whether 8bit data was seen.
type Writer struct {
	writer io.Writer

	Has8bit bool  // Whether a byte with the high bit set has been written.
	Size    int64 // Number of bytes written, may be larger than bytes passed to Write due to LF to CRLF conversion.

	lastCR bool // Whether the previous Write ended with \r.
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

// Write implements io.Writer. It converts bare new lines (LF) to CRLF. The
// returned count is of bytes consumed from buf.
func (w *Writer) Write(buf []byte) (int, error) {
	if !w.Has8bit {
		for _, b := range buf {
			if b&0x80 != 0 {
				w.Has8bit = true
				break
			}
		}
	}

	consumed := 0
	o := 0
	for i, b := range buf {
		if b != '\n' || i > 0 && buf[i-1] == '\r' || i == 0 && w.lastCR {
			continue
		}
		// Write data leading up to the bare \n, then \r\n.
		n, err := w.writer.Write(buf[o:i])
		w.Size += int64(n)
		consumed += n
		if err != nil {
			return consumed, err
		}
		n, err = w.writer.Write([]byte("\r\n"))
		w.Size += int64(n)
		if n == 2 {
			consumed++
		}
		if err != nil {
			return consumed, err
		}
		o = i + 1
	}
	n, err := w.writer.Write(buf[o:])
	w.Size += int64(n)
	consumed += n
	if len(buf) > 0 {
		w.lastCR = buf[len(buf)-1] == '\r'
	}
	return consumed, err
}

// NormalizeCRLF returns buf with bare \n replaced by \r\n. If buf already has
// only CRLF line endings, it is returned as is.
func NormalizeCRLF(buf []byte) []byte {
	bare := false
	for i, b := range buf {
		if b == '\n' && (i == 0 || buf[i-1] != '\r') {
			bare = true
			break
		}
	}
	if !bare {
		return buf
	}
	var out bytes.Buffer
	out.Grow(len(buf) + len(buf)/32)
	w := NewWriter(&out)
	w.Write(buf) // bytes.Buffer does not fail.
	return out.Bytes()
}

// SplitHeader splits a message with CRLF line endings into its header block,
// including the empty line ending the header, and the remaining content. A
// message without empty line is all header. A message starting with an empty
// line has an empty header section, the returned header is just that line.
func SplitHeader(msg []byte) (header, content []byte) {
	if bytes.HasPrefix(msg, []byte("\r\n")) {
		return msg[:2], msg[2:]
	}
	i := bytes.Index(msg, []byte("\r\n\r\n"))
	if i < 0 {
		return msg, nil
	}
	return msg[:i+4], msg[i+4:]
}
