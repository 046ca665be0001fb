package offcache

import (
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Response is a captured network response, as stored in a bucket.
type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Clone returns a deep copy so callers never share header maps or body bytes
// with what sits in a bucket.
func (r Response) Clone() Response {
	out := r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// RequestMode mirrors the fetch request mode. Only navigate changes behavior.
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// Request is one intercepted fetch.
type Request struct {
	Method string
	URL    *url.URL
	Mode   RequestMode
	Header http.Header
	Body   io.Reader
}

// NewRequest builds a GET request for rawURL with the given mode.
func NewRequest(rawURL string, mode RequestMode) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Mode: mode, Header: make(http.Header)}, nil
}

// Key is the bucket key for the request: method plus absolute URL without
// fragment.
func (r *Request) Key() string {
	return requestKey(r.method(), r.URL)
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func requestKey(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return method + " " + c.String()
}

// Decision labels reported in Result.Status and the X-Offcache header.
const (
	StatusBypass   = "bypass"
	StatusNetwork  = "network"
	StatusFallback = "fallback"
	StatusHit      = "hit"
	StatusMiss     = "miss"
)

// Result is the outcome of a fetch event. Response is nil when Status is
// StatusBypass: the host must send the original request to the network.
type Result struct {
	Response *Response
	Status   string
}

// Message is the structured payload exchanged between pages and the worker.
type Message struct {
	Type string `json:"type"`
}

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageSyncData    = "SYNC_DATA"
)

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
