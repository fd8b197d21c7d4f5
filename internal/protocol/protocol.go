// Package protocol defines the wire contract shared by the offload client and the relay peer:
// header names, action markers, the heavy-response envelope and correlation identifiers.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header names. Matching is case-insensitive; values are canonicalized by net/http.
const (
	HeaderID            = "X-Heavy-Http-Id"
	HeaderAction        = "X-Http-Heavy-Action"
	HeaderContentLength = "X-Heavy-Http-Content-Length"
)

// Action is the value of HeaderAction on each round of the choreography.
type Action string

const (
	ActionInit          Action = "init"
	ActionSendSuccess   Action = "send-success"
	ActionSendError     Action = "send-error"
	ActionSendAbort     Action = "send-abort"
	ActionDownload      Action = "download"
	ActionDownloadEnd   Action = "download-end"
	ActionDownloadAbort Action = "download-abort"
)

var knownActions = map[Action]bool{
	ActionInit:          true,
	ActionSendSuccess:   true,
	ActionSendError:     true,
	ActionSendAbort:     true,
	ActionDownload:      true,
	ActionDownloadEnd:   true,
	ActionDownloadAbort: true,
}

// ParseAction returns the action for s and whether it is one of the known markers.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	return a, knownActions[a]
}

// Terminal reports whether a closes an upload or download transfer.
func (a Action) Terminal() bool {
	switch a {
	case ActionSendSuccess, ActionSendError, ActionSendAbort, ActionDownloadEnd, ActionDownloadAbort:
		return true
	}
	return false
}

func (a Action) String() string { return string(a) }

// IsProtocolHeader reports whether key is one of the headers owned by the protocol.
func IsProtocolHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case HeaderID, HeaderAction, HeaderContentLength:
		return true
	}
	return false
}

// NewCorrelationID returns a fresh random identifier for one logical transfer.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EnvelopeMarker prefixes a response body whose payload lives at a secondary location.
const EnvelopeMarker = "HEAVY"

const envelopeSep = "|"

var envelopePrefix = []byte(EnvelopeMarker + envelopeSep)

// ErrMalformedEnvelope is returned when a body carries the marker but cannot be parsed.
var ErrMalformedEnvelope = errors.New("malformed heavy envelope")

// Envelope tells the client that the real response body must be fetched from Location.
type Envelope struct {
	ID       string
	Location string
}

// String renders the envelope in its wire form.
func (e Envelope) String() string {
	return EnvelopeMarker + envelopeSep + e.ID + envelopeSep + e.Location
}

// HasEnvelopePrefix reports whether body starts with the envelope marker.
func HasEnvelopePrefix(body []byte) bool {
	return bytes.HasPrefix(body, envelopePrefix)
}

// IsEnvelopeFragment reports whether body is a non-empty proper prefix of the envelope marker, so
// more bytes are needed before HasEnvelopePrefix can decide.
func IsEnvelopeFragment(body []byte) bool {
	return len(body) > 0 && len(body) < len(envelopePrefix) && bytes.HasPrefix(envelopePrefix, body)
}

// EnvelopePrefixLen is the number of leading bytes needed to decide HasEnvelopePrefix.
func EnvelopePrefixLen() int { return len(envelopePrefix) }

// ParseEnvelope decodes "HEAVY|<id>|<location>". The location may itself contain the separator.
func ParseEnvelope(body []byte) (Envelope, error) {
	s := strings.TrimSpace(string(body))
	if !strings.HasPrefix(s, string(envelopePrefix)) {
		return Envelope{}, fmt.Errorf("%w: missing %q marker", ErrMalformedEnvelope, EnvelopeMarker)
	}
	id, loc, ok := strings.Cut(s[len(envelopePrefix):], envelopeSep)
	if !ok || id == "" || loc == "" {
		return Envelope{}, fmt.Errorf("%w: want %s|<id>|<location>", ErrMalformedEnvelope, EnvelopeMarker)
	}
	return Envelope{ID: id, Location: loc}, nil
}

// IsHeavyResponse reports whether a response announces an offloaded body, either through the
// action header or through the body prefix.
func IsHeavyResponse(h http.Header, body []byte) bool {
	if a, _ := ParseAction(h.Get(HeaderAction)); a == ActionDownload {
		return true
	}
	return HasEnvelopePrefix(body)
}
