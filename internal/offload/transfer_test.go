package offload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"heavy-http-go/internal/body"
	"heavy-http-go/internal/event"
	"heavy-http-go/internal/transport"
)

func TestTransfererFunc_CarriesUploadChannel(t *testing.T) {
	peer := newTestPeer(t)
	logger := discardLogger()
	loop := transport.NewLoop(logger)
	t.Cleanup(loop.Close)
	host := transport.NewHost(&http.Client{Timeout: 10 * time.Second}, loop, logger)

	var (
		seen      Transfer
		secondErr error
	)
	custom := TransfererFunc(func(ctx context.Context, tr *Transfer) error {
		seen = *tr
		r := host.NewRequest()
		if err := r.Open(http.MethodPut, tr.Location); err != nil {
			return err
		}
		if err := tr.Attach(r); err != nil {
			return err
		}
		again := host.NewRequest()
		_ = again.Open(http.MethodPut, tr.Location)
		secondErr = tr.Attach(again)

		o, err := transport.Do(ctx, r, tr.Body)
		if err != nil {
			return err
		}
		if o != transport.OutcomeLoad || !transport.IsSuccess(r.Status()) {
			return fmt.Errorf("transfer ended with %s, status %d", o, r.Status())
		}
		return nil
	})
	c, err := New(host, Config{Threshold: 2, NotifyTimeout: 2 * time.Second, Logger: logger, Transferer: custom})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := c.NewRequest()
	_ = r.Open(http.MethodPost, peer.url("/api"))
	_ = r.SetRequestHeader("Content-Type", "application/json")
	var uploadLoads atomic.Int32
	r.Upload().SetHandler(event.Load, func(*event.Event) { uploadLoads.Add(1) })
	up := record(r.Upload(), event.LoadStart, event.Load, event.LoadEnd)
	rec := record(r, event.Load, event.LoadEnd)
	if err := r.Send(body.Text(payload)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	rec.wait(t)
	up.wait(t)

	if got, want := peer.actions(), []string{"init", "send-success"}; !slices.Equal(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	id := peer.callsFor("init")[0].id
	if seen.ID != id || seen.Location != peer.url("/blob/"+id) {
		t.Errorf("transfer = %q at %q, want %q at %q", seen.ID, seen.Location, id, peer.url("/blob/"+id))
	}
	if seen.ContentType != "application/json" || seen.Size != int64(len(payload)) {
		t.Errorf("transfer ContentType = %q, Size = %d", seen.ContentType, seen.Size)
	}
	if !errors.Is(secondErr, errAttached) {
		t.Errorf("second Attach() error = %v, want errAttached", secondErr)
	}

	if got, want := up.got(), []event.Type{event.LoadStart, event.Load, event.LoadEnd}; !slices.Equal(got, want) {
		t.Errorf("upload events = %v, want %v", got, want)
	}
	if n := uploadLoads.Load(); n != 1 {
		t.Errorf("upload onload calls = %d, want 1", n)
	}
	if r.Upload().Handler(event.Load) == nil {
		t.Error("upload onload not reachable after relocation")
	}
	if r.ResponseText() != "stored:"+payload {
		t.Errorf("ResponseText() = %q", r.ResponseText())
	}
}

func TestTransfer_AttachUnbound(t *testing.T) {
	var tr Transfer
	if err := tr.Attach(nil); err == nil {
		t.Error("Attach() on an unbound transfer should fail")
	}
}

func TestTransfererFunc_ErrorFinalizesWithSendError(t *testing.T) {
	peer := newTestPeer(t)
	logger := discardLogger()
	loop := transport.NewLoop(logger)
	t.Cleanup(loop.Close)
	host := transport.NewHost(&http.Client{Timeout: 10 * time.Second}, loop, logger)

	failing := TransfererFunc(func(context.Context, *Transfer) error {
		return errors.New("storage unavailable")
	})
	c, err := New(host, Config{Threshold: 2, NotifyTimeout: 2 * time.Second, Logger: logger, Transferer: failing})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := c.NewRequest()
	_ = r.Open(http.MethodPost, peer.url("/api"))
	rec := record(r, event.Load, event.Error, event.LoadEnd)
	_ = r.Send(body.Text(payload))
	rec.wait(t)

	if got, want := peer.actions(), []string{"init", "send-error"}; !slices.Equal(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
	if got, want := rec.got(), []event.Type{event.Load, event.LoadEnd}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}
