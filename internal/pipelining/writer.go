package pipelining

import (
	"bytes"
	"fmt"
)

// writeRequests serializes a batch of requests as consecutive request
// messages so they leave in a single write.
func writeRequests(buf *bytes.Buffer, reqs []*Request, userAgent string) {
	for _, r := range reqs {
		fmt.Fprintf(buf, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI())
		fmt.Fprintf(buf, "Host: %s\r\n", r.URL.Host)
		if userAgent != "" {
			fmt.Fprintf(buf, "User-Agent: %s\r\n", userAgent)
		}
		buf.WriteString("Accept: */*\r\n")
		buf.WriteString("Connection: Keep-Alive\r\n\r\n")
	}
}
