package mbox

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// segment is one message's position in the mailbox file: the body
// starts right after the "From " line.
type segment struct {
	bodyOffset int64
	bodySize   int64
}

// scanSegments walks the mailbox file and returns the message segments.
// A "From " line at the start of the file or directly after a blank
// line separates messages; the blank line belongs to the separator, not
// to the preceding body.
func scanSegments(path string) ([]segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		segs      []segment
		offset    int64
		prevBlank = true
		cur       = -1
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			isFrom := prevBlank && bytes.HasPrefix(line, []byte(fromLinePrefix))
			if isFrom {
				if cur >= 0 {
					segs[cur].bodySize = bodyEnd(segs[cur], offset, prevBlank)
				}
				segs = append(segs, segment{bodyOffset: offset + int64(len(line))})
				cur = len(segs) - 1
			}
			prevBlank = len(bytes.TrimRight(line, "\r\n")) == 0
			offset += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if cur >= 0 {
		segs[cur].bodySize = bodyEnd(segs[cur], offset, prevBlank)
	}
	return segs, nil
}

// bodyEnd trims the separating blank line off the previous body.
func bodyEnd(s segment, nextFromOffset int64, prevBlank bool) int64 {
	size := nextFromOffset - s.bodyOffset
	if prevBlank && size > 0 {
		size--
	}
	return size
}

// writeMessage appends one message to w: the separator line, the body
// with "From " lines quoted, and the blank line that closes it. It
// returns the body's offset relative to the given base and the number
// of body bytes written.
func writeMessage(w io.Writer, base int64, sender string, ts time.Time, body io.Reader) (bodyOffset, bodySize int64, err error) {
	if sender == "" {
		sender = "MAILER-DAEMON"
	}
	n, err := fmt.Fprintf(w, "From %s  %s\n", sender, ts.UTC().Format(time.ANSIC))
	if err != nil {
		return 0, 0, err
	}
	bodyOffset = base + int64(n)

	br := bufio.NewReader(body)
	endedWithNewline := true
	for {
		line, rerr := br.ReadBytes('\n')
		if len(line) > 0 {
			if bytes.HasPrefix(line, []byte(fromLinePrefix)) {
				if _, err := w.Write([]byte{'>'}); err != nil {
					return 0, 0, err
				}
				bodySize++
			}
			if _, err := w.Write(line); err != nil {
				return 0, 0, err
			}
			bodySize += int64(len(line))
			endedWithNewline = line[len(line)-1] == '\n'
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, 0, rerr
		}
	}

	if !endedWithNewline {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return 0, 0, err
		}
		bodySize++
	}
	// Separator blank line, not part of the body.
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return 0, 0, err
	}
	return bodyOffset, bodySize, nil
}

// sectionReadCloser reads one body out of the mailbox file and closes
// the file with it.
type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

func openSection(path string, offset, size int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &sectionReadCloser{Reader: io.NewSectionReader(f, offset, size), f: f}, nil
}
