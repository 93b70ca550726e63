package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

// conn reads requests in whichever framing the peer uses and answers in kind.
type conn struct {
	r    *bufio.Reader
	w    *bufio.Writer
	mode wireMode
}

func newConn(in io.Reader, out io.Writer) *conn {
	return &conn{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

// read returns the next payload and remembers its framing for the reply.
func (c *conn) read() ([]byte, error) {
	mode, err := c.detect()
	if err != nil {
		return nil, err
	}
	c.mode = mode
	if mode == wireModeJSONLine {
		return c.readLine()
	}
	return c.readFramed()
}

func (c *conn) write(msg response) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if c.mode == wireModeJSONLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *conn) detect() (wireMode, error) {
	for {
		b, err := c.r.Peek(1)
		if err != nil {
			return wireModeFramed, err
		}
		if !unicode.IsSpace(rune(b[0])) {
			break
		}
		_, _ = c.r.ReadByte()
	}
	peek, err := c.r.Peek(len("content-length:"))
	if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
		return wireModeFramed, err
	}
	if strings.HasPrefix(strings.ToLower(string(peek)), "content-length:") {
		return wireModeFramed, nil
	}
	return wireModeJSONLine, nil
}

func (c *conn) readLine() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

func (c *conn) readFramed() ([]byte, error) {
	length := 0
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		if length, err = strconv.Atoi(strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("invalid Content-Length: %w", err)
		}
	}
	if length <= 0 {
		return nil, errors.New("missing or invalid Content-Length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
