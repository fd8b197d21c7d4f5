package body

import (
	"net/url"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Multipart framing overhead per field. These are upper-bound guesses, not wire-accurate sizes:
// RFC 1521 caps a boundary at 70 characters and the Content-Disposition line rarely exceeds 50.
const (
	multipartBoundaryLen    = 70
	multipartDispositionLen = 50
)

// Estimate returns the byte length used for the offload decision. Bodies whose size cannot be
// determined estimate to zero so they are never offloaded.
func Estimate(b Body) int64 {
	switch x := b.(type) {
	case Text:
		return estimateText(x)
	case Binary:
		return int64(len(x))
	case *Blob:
		return estimateBlob(x)
	case Form:
		return int64(len(url.Values(x).Encode()))
	case Multipart:
		return estimateMultipart(x)
	case Document:
		return estimateDocument(x)
	default:
		return 0
	}
}

func estimateText(t Text) int64 {
	return int64(utf8.RuneCountInString(string(t)))
}

func estimateBlob(b *Blob) int64 {
	if b == nil || b.Size < 0 {
		return 0
	}
	return b.Size
}

func estimateMultipart(fields Multipart) int64 {
	var n int64
	for _, f := range fields {
		n += int64(len(f.Name)) + multipartBoundaryLen + multipartDispositionLen
		if f.Blob != nil {
			n += estimateBlob(f.Blob)
			continue
		}
		n += estimateText(Text(f.Value))
	}
	return n
}

func estimateDocument(d Document) int64 {
	if d.Root == nil {
		return 0
	}
	var c countingWriter
	if err := html.Render(&c, d.Root); err != nil {
		return 0
	}
	return c.n
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
