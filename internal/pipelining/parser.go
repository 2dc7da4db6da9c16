package pipelining

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const (
	statusOK    = 200
	statusFound = 302
)

// Protocol violations. They are fatal: the server is trusted to be honest.
var (
	ErrBadStatusLine    = errors.New("malformed status line")
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrMissingLength    = errors.New("missing Content-Length")
	ErrBadHeader        = errors.New("malformed response header")
	ErrUnsolicitedData  = errors.New("data beyond declared responses")
	ErrKeepAliveChanged = errors.New("keep-alive parameters changed")
)

var headerTerminator = []byte("\r\n\r\n")

// findTerminator looks for the end of the header across the boundary of the
// buffered header bytes and a new chunk. It returns the number of chunk
// bytes up to and including the terminator.
func findTerminator(header, chunk []byte) (int, bool) {
	// The terminator may straddle the boundary with 3, 2 or 1 bytes already
	// buffered; longer overlaps end earlier in the chunk, so test them first.
	for k := len(headerTerminator) - 1; k >= 1; k-- {
		need := len(headerTerminator) - k
		if len(chunk) >= need &&
			bytes.HasSuffix(header, headerTerminator[:k]) &&
			bytes.Equal(chunk[:need], headerTerminator[k:]) {
			return need, true
		}
	}
	if i := bytes.Index(chunk, headerTerminator); i >= 0 {
		return i + len(headerTerminator), true
	}
	return 0, false
}

// keepAlive holds the parameters of a Keep-Alive response header.
type keepAlive struct {
	max        int
	timeout    time.Duration
	hasMax     bool
	hasTimeout bool
}

// parseKeepAlive parses "timeout=5, max=100".
func parseKeepAlive(v string) (keepAlive, error) {
	var ka keepAlive
	for part := range strings.SplitSeq(v, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 0 {
			return keepAlive{}, fmt.Errorf("%w: Keep-Alive %q", ErrBadHeader, v)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "max":
			ka.max, ka.hasMax = n, true
		case "timeout":
			ka.timeout, ka.hasTimeout = time.Duration(n)*time.Second, true
		}
	}
	return ka, nil
}

// responseHeader is the parsed form of a complete header block.
type responseHeader struct {
	status          int
	contentLength   int64
	location        string
	connectionClose bool
	keepAlive       *keepAlive
}

// parseHeader parses a complete header block, terminator included.
func parseHeader(raw []byte) (responseHeader, error) {
	h := responseHeader{contentLength: -1}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))

	line, err := tp.ReadLine()
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadStatusLine, err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return h, fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	code, _, _ := strings.Cut(rest, " ")
	h.status, err = strconv.Atoi(code)
	if err != nil || len(code) != 3 {
		return h, fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	if h.status != statusOK && h.status != statusFound {
		return h, fmt.Errorf("%w: %d", ErrUnexpectedStatus, h.status)
	}

	fields, err := tp.ReadMIMEHeader()
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	if v := fields.Get("Content-Length"); v != "" {
		h.contentLength, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || h.contentLength < 0 {
			return h, fmt.Errorf("%w: Content-Length %q", ErrBadHeader, v)
		}
	}
	h.location = fields.Get("Location")
	for _, v := range fields.Values("Connection") {
		for token := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "close") {
				h.connectionClose = true
			}
		}
	}
	if v := fields.Get("Keep-Alive"); v != "" {
		ka, err := parseKeepAlive(v)
		if err != nil {
			return h, err
		}
		h.keepAlive = &ka
	}
	return h, nil
}
