package mux

import (
	"context"
	"errors"
	"testing"
	"time"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
)

func pipe() (*Mux, *Mux) {
	var a, b *Mux
	a = New(func(_ context.Context, f []byte) error {
		go b.Deliver(context.Background(), f)
		return nil
	}, nil)
	b = New(func(_ context.Context, f []byte) error {
		go a.Deliver(context.Background(), f)
		return nil
	}, nil)
	return a, b
}

func TestMux_RequestReply(t *testing.T) {
	a, b := pipe()
	b.OnReceive(func(_ context.Context, m protocol.Message) protocol.Message {
		p := m.(protocol.Pull)
		return protocol.PullReply{Header: p.Header}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, txn := range []protocol.TxnID{"t1", "t2", "t3"} {
		reply, err := a.Send(ctx, protocol.Pull{Header: protocol.Header{Txn: txn}, Keys: []string{"k"}})
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if reply.Kind() != protocol.KindPullReply || reply.TxnID() != txn {
			t.Fatalf("unexpected reply %s/%s", reply.Kind(), reply.TxnID())
		}
	}
}

func TestMux_NoHandler(t *testing.T) {
	a, _ := pipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := a.Send(ctx, protocol.Ack{Header: protocol.Header{Txn: "t"}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, ok := reply.(protocol.Error); !ok {
		t.Fatalf("expected Error reply, got %s", reply.Kind())
	}
}

func TestMux_CloseFailsWaitingSend(t *testing.T) {
	// frames go nowhere
	m := New(func(context.Context, []byte) error { return nil }, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), protocol.Ack{Header: protocol.Header{Txn: "t"}})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		if !errors.Is(err, dberrors.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Close")
	}

	if _, err := m.Send(context.Background(), protocol.Ack{Header: protocol.Header{Txn: "u"}}); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMux_ContextAndWriteErrors(t *testing.T) {
	m := New(func(context.Context, []byte) error { return nil }, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.Send(ctx, protocol.Ack{Header: protocol.Header{Txn: "t"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	broken := New(func(context.Context, []byte) error { return errors.New("pipe broken") }, nil)
	if _, err := broken.Send(context.Background(), protocol.Ack{Header: protocol.Header{Txn: "t"}}); !errors.Is(err, dberrors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestMux_IgnoresStrayReplies(t *testing.T) {
	m := New(func(context.Context, []byte) error { return nil }, nil)
	frame, err := protocol.Encode(protocol.Ack{Header: protocol.Header{Txn: "nobody"}}, true)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	m.Deliver(context.Background(), frame)
	m.Deliver(context.Background(), []byte("not json"))
}
