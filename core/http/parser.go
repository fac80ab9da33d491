package http

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DefaultMaxLineSize bounds a single request or header line
const DefaultMaxLineSize = 8192

// ParserOptions configures a Parser
type ParserOptions struct {
	// MaxLineSize is the longest accepted line, CRLF excluded
	MaxLineSize int

	// Charset decodes header bytes; nil means ISO-8859-1
	Charset encoding.Encoding
}

type parseState uint8

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateDone
)

// Parser incrementally parses a request line and header block. It consumes
// bytes one at a time from a ByteReader and can be resumed at any byte
// boundary, so the outcome does not depend on how the input was fragmented.
type Parser struct {
	maxLine int
	decoder *encoding.Decoder

	state parseState
	line  []byte
}

// NewParser creates a parser
func NewParser(opts ParserOptions) *Parser {
	if opts.MaxLineSize <= 0 {
		opts.MaxLineSize = DefaultMaxLineSize
	}
	if opts.Charset == nil {
		opts.Charset = charmap.ISO8859_1
	}
	return &Parser{
		maxLine: opts.MaxLineSize,
		decoder: opts.Charset.NewDecoder(),
		// one extra byte for the CR
		line: make([]byte, 0, opts.MaxLineSize+1),
	}
}

// Reset prepares the parser for the next request
func (p *Parser) Reset() {
	p.state = stateRequestLine
	p.line = p.line[:0]
}

// Done reports whether a complete header block has been parsed
func (p *Parser) Done() bool {
	return p.state == stateDone
}

// Parse consumes bytes from src into req until the header block is complete
// (done is true), src runs dry (done is false, call again with more bytes),
// or the input is invalid. Bytes after the header block are left in src.
func (p *Parser) Parse(src io.ByteReader, req *Request) (done bool, err error) {
	for p.state != stateDone {
		b, err := src.ReadByte()
		if err != nil {
			return false, nil
		}
		if b != '\n' {
			if len(p.line) > p.maxLine {
				return false, fmt.Errorf("%w: more than %d bytes", ErrHeaderTooLarge, p.maxLine)
			}
			p.line = append(p.line, b)
			continue
		}

		line := p.line
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > p.maxLine {
			return false, fmt.Errorf("%w: more than %d bytes", ErrHeaderTooLarge, p.maxLine)
		}

		if p.state == stateRequestLine {
			err = p.requestLine(line, req)
		} else {
			err = p.headerLine(line, req)
		}
		p.line = p.line[:0]
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func (p *Parser) requestLine(line []byte, req *Request) error {
	// stray empty lines between requests
	if len(line) == 0 {
		return nil
	}

	var parts [3][]byte
	n := 0
	for _, f := range bytes.Split(line, []byte{' '}) {
		if len(f) == 0 {
			continue
		}
		if n == len(parts) {
			return fmt.Errorf("%w: request line %q", ErrMalformed, line)
		}
		parts[n] = f
		n++
	}
	if n < 2 {
		return fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}

	req.Method = parseMethod(parts[0])
	if req.Method == "" {
		return fmt.Errorf("%w: unknown method %q", ErrMalformed, parts[0])
	}
	req.setTarget(string(parts[1]))

	if n == 2 {
		// no protocol: HTTP/0.9, no headers follow
		req.Proto = HTTP09
		p.state = stateDone
		return nil
	}
	proto, ok := ParseProtocol(string(parts[2]))
	if !ok {
		return fmt.Errorf("%w: unknown protocol %q", ErrMalformed, parts[2])
	}
	req.Proto = proto
	p.state = stateHeaders
	return nil
}

func (p *Parser) headerLine(line []byte, req *Request) error {
	if len(line) == 0 {
		p.state = stateDone
		return nil
	}

	decoded, err := p.decoder.Bytes(line)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if isSpace(decoded[0]) {
		if len(req.Headers) == 0 {
			return fmt.Errorf("%w: continuation line without a header", ErrMalformed)
		}
		last := &req.Headers[len(req.Headers)-1]
		last.Value += "\n" + string(decoded[1:])
		return nil
	}

	colon := bytes.IndexByte(decoded, ':')
	if colon <= 0 {
		return fmt.Errorf("%w: header line %q", ErrMalformed, line)
	}
	value := decoded[colon+1:]
	if len(value) > 0 && isSpace(value[0]) {
		value = value[1:]
	}
	h := Header{Name: string(decoded[:colon]), Value: string(value)}
	req.Headers = append(req.Headers, h)

	if strings.EqualFold(h.Name, HeaderContentLength) {
		digits := strings.TrimSpace(h.Value)
		if !allDigits(digits) {
			return fmt.Errorf("%w: %q", ErrBadContentLength, h.Value)
		}
		cl, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadContentLength, h.Value)
		}
		req.ContentLength = cl
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t'
}
