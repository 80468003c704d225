package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// LineReader yields newline-terminated lines with the terminator removed.
type LineReader interface {
	ReadLine() (string, error)
}

// Decoder reads whole messages from a LineReader, consuming the body of
// framed verbs.
//
// Any verb that declares a following line count obligates the decoder to
// consume exactly that many lines verbatim, even when their content looks
// like a verb.
type Decoder struct {
	r LineReader
}

// NewDecoder wraps r.
func NewDecoder(r LineReader) *Decoder {
	return &Decoder{r: r}
}

// ReadMessage reads the next message.
//
// A LOOKREPLY header is followed by N rows, where N is the length of the first
// row. A RENDERHINT header declares its body line count as its argument.
//
// Postcondition: On a malformed frame the returned error wraps ErrMalformedFrame,
// the returned Message carries only the header Verb and Arg, and the stream
// is positioned after every line the frame declared that could be read; the
// caller may keep reading. Any other error comes from the
// underlying reader and is terminal.
func (d *Decoder) ReadMessage() (Message, error) {
	line, err := d.r.ReadLine()
	if err != nil {
		return Message{}, err
	}
	msg := Parse(line)

	switch msg.Verb {
	case VerbLookReply:
		return d.readLookReply(msg)
	case VerbRenderHint:
		return d.readRenderHint(msg)
	}
	return msg, nil
}

func (d *Decoder) readLookReply(msg Message) (Message, error) {
	first, err := d.r.ReadLine()
	if err != nil {
		return Message{}, err
	}
	n := len(first)
	if n == 0 {
		return msg, fmt.Errorf("%w: empty LOOKREPLY row", ErrMalformedFrame)
	}

	rows := make([]string, 1, n)
	rows[0] = first
	for i := 1; i < n; i++ {
		row, err := d.r.ReadLine()
		if err != nil {
			return Message{}, err
		}
		rows = append(rows, row)
	}

	for i, row := range rows {
		if len(row) != n {
			return msg, fmt.Errorf("%w: LOOKREPLY row %d has %d cells, want %d", ErrMalformedFrame, i, len(row), n)
		}
	}
	msg.Body = rows
	return msg, nil
}

func (d *Decoder) readRenderHint(msg Message) (Message, error) {
	n, err := strconv.Atoi(strings.TrimSpace(msg.Arg))
	if err != nil || n < 0 {
		return msg, fmt.Errorf("%w: RENDERHINT count %q", ErrMalformedFrame, msg.Arg)
	}

	body := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := d.r.ReadLine()
		if err != nil {
			return Message{}, err
		}
		body = append(body, line)
	}
	msg.Body = body
	return msg, nil
}

// Encode returns the wire lines of every message, in order.
func Encode(msgs ...Message) []string {
	var lines []string
	for _, m := range msgs {
		lines = append(lines, m.Lines()...)
	}
	return lines
}
