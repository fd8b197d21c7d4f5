// Package body models request payloads as a closed set of kinds and estimates their size
// before they are put on the wire.
package body

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Kind identifies a body variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindBinary
	KindBlob
	KindForm
	KindMultipart
	KindDocument
)

var kindNames = [...]string{"unknown", "text", "binary", "blob", "form", "multipart", "document"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Body is a request payload. The set of implementations is closed; see the variant types below.
type Body interface {
	Kind() Kind
	isBody()
}

// Text is a character body.
type Text string

// Binary is a raw byte body.
type Binary []byte

// Blob is a sized byte stream, typically a file. R is consumed once.
type Blob struct {
	Type string
	Size int64
	R    io.Reader
}

// Form is a URL-encoded parameter body.
type Form url.Values

// Field is one part of a Multipart body. Exactly one of Value or Blob is meaningful;
// Blob takes precedence when non-nil.
type Field struct {
	Name     string
	Value    string
	Filename string
	Blob     *Blob
}

// Multipart is a multipart/form-data body.
type Multipart []Field

// Document is a markup body serialized through the HTML renderer.
type Document struct {
	Root *html.Node
}

// Stream is a body of unknown size. It is never offloaded.
type Stream struct {
	Type string
	R    io.Reader
}

func (Text) Kind() Kind      { return KindText }
func (Binary) Kind() Kind    { return KindBinary }
func (*Blob) Kind() Kind     { return KindBlob }
func (Form) Kind() Kind      { return KindForm }
func (Multipart) Kind() Kind { return KindMultipart }
func (Document) Kind() Kind  { return KindDocument }
func (Stream) Kind() Kind    { return KindUnknown }

func (Text) isBody()      {}
func (Binary) isBody()    {}
func (*Blob) isBody()     {}
func (Form) isBody()      {}
func (Multipart) isBody() {}
func (Document) isBody()  {}
func (Stream) isBody()    {}

// From maps common Go values onto a body variant. A nil value yields a nil Body.
func From(v any) (Body, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Body:
		return x, nil
	case string:
		return Text(x), nil
	case []byte:
		return Binary(x), nil
	case url.Values:
		return Form(x), nil
	case *html.Node:
		return Document{Root: x}, nil
	case io.Reader:
		return Stream{R: x}, nil
	default:
		return nil, fmt.Errorf("body: unsupported value of type %T", v)
	}
}

// Default content types, applied only when the caller did not set one.
const (
	textContentType = "text/plain;charset=UTF-8"
	formContentType = "application/x-www-form-urlencoded;charset=UTF-8"
	docContentType  = "text/html;charset=UTF-8"
)

// Encoded is the wire form of a body.
type Encoded struct {
	Reader      io.Reader
	ContentType string
	// Length is the exact byte length, or -1 when unknown.
	Length int64
}

// Encode returns the wire reader for b. A nil body encodes to a nil reader.
func Encode(b Body) (Encoded, error) {
	switch x := b.(type) {
	case nil:
		return Encoded{Length: 0}, nil
	case Text:
		return Encoded{Reader: strings.NewReader(string(x)), ContentType: textContentType, Length: int64(len(x))}, nil
	case Binary:
		return Encoded{Reader: bytes.NewReader(x), Length: int64(len(x))}, nil
	case *Blob:
		if x == nil || x.R == nil {
			return Encoded{Length: 0}, nil
		}
		return Encoded{Reader: x.R, ContentType: x.Type, Length: x.Size}, nil
	case Form:
		s := url.Values(x).Encode()
		return Encoded{Reader: strings.NewReader(s), ContentType: formContentType, Length: int64(len(s))}, nil
	case Multipart:
		return encodeMultipart(x), nil
	case Document:
		var buf bytes.Buffer
		if x.Root != nil {
			if err := html.Render(&buf, x.Root); err != nil {
				return Encoded{}, fmt.Errorf("body: render document: %w", err)
			}
		}
		return Encoded{Reader: &buf, ContentType: docContentType, Length: int64(buf.Len())}, nil
	case Stream:
		return Encoded{Reader: x.R, ContentType: x.Type, Length: -1}, nil
	default:
		return Encoded{}, fmt.Errorf("body: unsupported kind %T", b)
	}
}

func encodeMultipart(fields Multipart) Encoded {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	ct := mw.FormDataContentType()

	go func() {
		for _, f := range fields {
			if f.Blob != nil {
				name := f.Filename
				if name == "" {
					name = "blob"
				}
				part, err := mw.CreateFormFile(f.Name, name)
				if err != nil {
					_ = pw.CloseWithError(err)
					return
				}
				if f.Blob.R != nil {
					if _, err := io.Copy(part, f.Blob.R); err != nil {
						_ = pw.CloseWithError(err)
						return
					}
				}
				continue
			}
			if err := mw.WriteField(f.Name, f.Value); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	return Encoded{Reader: pr, ContentType: ct, Length: -1}
}
