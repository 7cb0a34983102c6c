package capture

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// MinPayloadBytes is the minimum decoded size accepted as a plausible image.
// Canvas and image serialisation can silently produce a blank output; a
// near-empty payload is the only signal, so anything below this is rejected
// before it reaches a recognition provider.
const MinPayloadBytes = 100

// Payload is a self-contained still image: raw bytes plus declared mime type.
type Payload struct {
	MIME string
	Data []byte
}

// DataURI encodes the payload as data:<mime>;base64,<payload>.
func (p Payload) DataURI() string {
	return "data:" + p.MIME + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// Base64 returns the base64-encoded bytes without the data-URI prefix, the
// form most provider wire protocols embed.
func (p Payload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// DecodeDataURI parses a data:<mime>;base64,<payload> string. Plain base64
// without the prefix is accepted too; the mime type is then sniffed from the
// decoded bytes.
func DecodeDataURI(s string) (Payload, error) {
	s = strings.TrimSpace(s)
	var mime string
	if strings.HasPrefix(s, "data:") {
		idx := strings.IndexByte(s, ',')
		if idx < 0 {
			return Payload{}, fmt.Errorf("capture: malformed data URI")
		}
		meta := s[len("data:"):idx]
		if semi := strings.IndexByte(meta, ';'); semi >= 0 {
			mime = meta[:semi]
		} else {
			mime = meta
		}
		s = s[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// URL-safe alphabet shows up in the wild.
		if d2, err2 := base64.URLEncoding.DecodeString(s); err2 == nil {
			data = d2
		} else {
			return Payload{}, fmt.Errorf("capture: bad base64: %w", err)
		}
	}

	if mime == "" {
		mime = SniffMIME(data)
	}
	return Payload{MIME: mime, Data: data}, nil
}

// SniffMIME detects common image formats from magic bytes, falling back to
// the stdlib sniffer.
func SniffMIME(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8 {
		return "image/jpeg"
	}
	if len(b) >= 8 &&
		b[0] == 0x89 && b[1] == 0x50 && b[2] == 0x4E && b[3] == 0x47 &&
		b[4] == 0x0D && b[5] == 0x0A && b[6] == 0x1A && b[7] == 0x0A {
		return "image/png"
	}
	return http.DetectContentType(b)
}
