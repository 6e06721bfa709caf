package cache

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"
	"net/http"
	"strings"
)

// Entry is a complete response snapshot stored in a bucket.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OK reports a 2xx status.
func (e *Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

// Clone returns a deep copy so a stored entry never shares its body with
// the one handed back to a caller.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return &out
}

func (e *Entry) size() int64 {
	n := int64(len(e.Body) + len(e.URL))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Key is the bucket identity of a request: method and URL without the
// fragment. Request headers are not part of the key.
func Key(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + u.String()
}

func newEntry(url string, status int, h http.Header, body []byte, now int64) *Entry {
	ent := &Entry{
		URL:      url,
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: now,
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
