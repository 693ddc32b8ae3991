package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// delim separates the stored request from the stored response.
var delim = []byte("\r\n\r\n----\r\n\r\n")

// Encode serializes the request and response pair into their HTTP/1.1 wire representations.
// Only the request line and headers are kept; the response body is read completely
// and put back on res, so the caller can keep using the response afterwards.
func Encode(req *http.Request, res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}

	if req != nil {
		if err := requestHead(req).WriteProxy(buf); err != nil {
			return nil, fmt.Errorf("could not write request: %w", err)
		}
	}
	buf.Write(delim)

	bts, err := responseToBytes(res)
	if err != nil {
		return nil, err
	}
	buf.Write(bts)

	return buf.Bytes(), nil
}

// Decode converts bytes created by Encode back into a request and response.
// The returned response has its own body reader.
func Decode(b []byte) (*http.Request, *http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, nil, errors.New("stored entry has no request delimiter")
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			return nil, nil, fmt.Errorf("could not read stored request: %w", err)
		}
		req = r
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read stored response: %w", err)
	}
	return req, res, nil
}

// requestHead returns a bodiless copy of the request.
func requestHead(req *http.Request) *http.Request {
	head := req.Clone(req.Context())
	head.Body = nil
	head.ContentLength = 0
	head.TransferEncoding = nil
	if head.Method == "" {
		head.Method = http.MethodGet
	}
	return head
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The body of res is replaced with an in-memory copy.
func responseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("could not read response body: %w", err)
		}
		body = b
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	out := *res
	out.ProtoMajor, out.ProtoMinor = 1, 1
	out.Request = nil
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.TransferEncoding = nil
	out.Trailer = nil
	out.Header = res.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Del("Transfer-Encoding")
	out.Header.Del("Content-Length")

	buf := &bytes.Buffer{}
	if err := out.Write(buf); err != nil {
		return nil, fmt.Errorf("could not write response: %w", err)
	}
	return buf.Bytes(), nil
}
