package offload

import (
	"context"
	"errors"
	"net/http"

	"heavy-http-go/internal/body"
	"heavy-http-go/internal/transport"
)

// Transfer describes the out-of-band leg of one offloaded upload.
type Transfer struct {
	ID       string
	Location string
	Body     body.Body
	// ContentType is the caller's Content-Type header, empty when none was set.
	ContentType string
	// Size is the estimated body size announced in the probe.
	Size int64

	attach func(transport.Request) error
}

// Attach prepares r, which must be opened and not yet sent, to carry the transfer: it sets the
// correlation and content type headers and relocates the caller's upload listeners and handlers
// onto r.Upload(). Call it exactly once, before sending r.
func (t *Transfer) Attach(r transport.Request) error {
	if t.attach == nil {
		return errors.New("offload: transfer is not bound to a request")
	}
	return t.attach(r)
}

// Transferer performs the out-of-band transfer. Implementations must send through a request that
// was passed to Transfer.Attach and must return once that request reached a terminal event.
// Returning after ctx is done is treated as an abort regardless of the returned error.
type Transferer interface {
	Transfer(ctx context.Context, t *Transfer) error
}

// TransfererFunc adapts a function to Transferer.
type TransfererFunc func(ctx context.Context, t *Transfer) error

// Transfer calls f.
func (f TransfererFunc) Transfer(ctx context.Context, t *Transfer) error {
	return f(ctx, t)
}

// PutTransferer uploads the body with a single PUT to the location returned by the probe.
type PutTransferer struct {
	Factory transport.Factory
}

// Transfer implements Transferer.
func (p *PutTransferer) Transfer(ctx context.Context, t *Transfer) error {
	r := p.Factory.NewRequest()
	if err := r.Open(http.MethodPut, t.Location); err != nil {
		return &Error{Kind: KindTransfer, Op: "transfer", Err: err}
	}
	if err := t.Attach(r); err != nil {
		return &Error{Kind: KindTransfer, Op: "transfer", Err: err}
	}

	o, err := transport.Do(ctx, r, t.Body)
	if err != nil {
		return newCancelError("transfer", err)
	}
	if o != transport.OutcomeLoad || !transport.IsSuccess(r.Status()) {
		return outcomeError(KindTransfer, "transfer", o, r.Status())
	}
	return nil
}
