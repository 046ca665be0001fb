package offcache

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher is the network side of a fetch event.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// HTTPFetcher performs fetches with net/http and buffers the whole body so
// the response can be stored.
type HTTPFetcher struct {
	// Client follows redirects and bounds the whole exchange.
	Client *http.Client
	// Manual returns redirects as they are. Used for navigations.
	Manual *http.Client
	// Stream is used by Forward: no redirects and no overall timeout, only
	// the transport's response header timeout.
	Stream  *http.Client
	MaxBody int64
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = cfg.fetchTimeout
	return &HTTPFetcher{
		Client:  &http.Client{Transport: tr, Timeout: cfg.fetchTimeout},
		Manual:  &http.Client{Transport: tr, Timeout: cfg.fetchTimeout, CheckRedirect: noRedirect},
		Stream:  &http.Client{Transport: tr, CheckRedirect: noRedirect},
		MaxBody: cfg.maxBody,
	}
}

func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

// client picks the client for r: a navigation sees redirects itself, like a
// browser does.
func (f *HTTPFetcher) client(r *Request) *http.Client {
	if r.Mode == ModeNavigate && f.Manual != nil {
		return f.Manual
	}
	return f.Client
}

var errBodyTooLarge = errors.New("response body exceeds fetch.maxBody")

func (f *HTTPFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method(), r.URL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	// bodies are stored decoded
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client(r).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body []byte
	if f.MaxBody > 0 {
		body, err = io.ReadAll(io.LimitReader(resp.Body, f.MaxBody+1))
		if err == nil && int64(len(body)) > f.MaxBody {
			err = errBodyTooLarge
		}
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.URL, err)
	}

	out := &Response{
		URL:      r.URL.String(),
		Status:   resp.StatusCode,
		Header:   stripHopByHop(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	out.Header.Del("Content-Length")
	return out, nil
}

// Forward sends r to target untouched and streams the answer back. Nothing
// is buffered or stored and redirects are relayed, not followed. A non-empty
// label is reported in the X-Offcache header; an empty one leaves the
// response exactly as the network sent it.
func (f *HTTPFetcher) Forward(w http.ResponseWriter, r *http.Request, target, label string) error {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return err
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	client := f.Stream
	if client == nil {
		client = &http.Client{CheckRedirect: noRedirect}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for k, vs := range stripHopByHop(resp.Header) {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if label != "" {
		setOffcacheHeaders(w.Header(), label)
	}
	w.WriteHeader(resp.StatusCode)
	streamBody(w, resp.Body)
	return nil
}

// streamBody copies src to w, flushing after every read so long-lived
// streams reach the client as they arrive.
func streamBody(w http.ResponseWriter, src io.Reader) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			return
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range stripHopByHop(src) {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func stripHopByHop(header http.Header) http.Header {
	out := cloneHeader(header)
	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
	} {
		out.Del(k)
	}
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			if token = strings.TrimSpace(token); token != "" {
				out.Del(token)
			}
		}
	}
	return out
}
