package session

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns a sequence of byte chunks into UTF-8 text. A multi-byte character split across
// two chunks is held back until the rest of it arrives; ill-formed bytes decode to U+FFFD.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

// Decode returns the text decodable from chunk plus whatever was held back from the previous call.
func (d *textDecoder) Decode(chunk []byte) (string, error) {
	return d.decode(chunk, false)
}

// Flush decodes the held back bytes at end of data.
func (d *textDecoder) Flush() (string, error) {
	return d.decode(nil, true)
}

func (d *textDecoder) decode(chunk []byte, atEOF bool) (string, error) {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
		d.pending = nil
	}
	if len(src) == 0 {
		return "", nil
	}

	// Each ill-formed byte may expand to the three bytes of U+FFFD.
	dst := make([]byte, 3*len(src)+4)
	var out []byte
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return string(out), nil
		case errors.Is(err, transform.ErrShortDst):
			continue
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return string(out), nil
		default:
			return string(out), err
		}
	}
}
