package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
	"replsync/pkg/replica"
	"replsync/pkg/storage/memory"
	"replsync/pkg/syncer"
)

// serve accepts one websocket and hands it to the test.
func serve(t *testing.T) (string, <-chan *Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r)
		if err != nil {
			t.Errorf("Accept failed: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), accepted
}

func TestConn_RequestReplyAndDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, accepted := serve(t)
	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	server := <-accepted

	server.OnReceive(func(_ context.Context, m protocol.Message) protocol.Message {
		p := m.(protocol.Pull)
		return protocol.PullReply{Header: p.Header}
	})
	gone := make(chan error, 1)
	server.OnDisconnect(func(err error) { gone <- err })

	reply, err := client.Send(ctx, protocol.Pull{Header: protocol.Header{Txn: "t1"}, Keys: []string{"k"}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind() != protocol.KindPullReply || reply.TxnID() != "t1" {
		t.Fatalf("unexpected reply %s/%s", reply.Kind(), reply.TxnID())
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	select {
	case err := <-gone:
		if err != nil {
			t.Fatalf("expected clean disconnect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not notice the disconnect")
	}

	if _, err := client.Send(ctx, protocol.Ack{Header: protocol.Header{Txn: "t2"}}); !errors.Is(err, dberrors.ErrTransport) {
		t.Fatalf("expected ErrTransport after disconnect, got %v", err)
	}
}

func TestConnect_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	start := time.Now()
	_, err := Connect(context.Background(), url, WithMaxDialTime(200*time.Millisecond))
	if !errors.Is(err, dberrors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("dial retried for too long")
	}
}

func TestConnect_RefusedHandshakeIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	start := time.Now()
	_, err := Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), WithMaxDialTime(10*time.Second))
	if !errors.Is(err, dberrors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("refused handshake was retried")
	}
}

func TestConn_SyncBothWays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open := func() *replica.Store {
		s, err := replica.Open(ctx, memory.New())
		if err != nil {
			t.Fatalf("replica.Open failed: %v", err)
		}
		return s
	}
	storeA, storeB := open(), open()
	if err := storeA.PutString(ctx, "a", "1"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	if err := storeB.PutString(ctx, "b", "2"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}

	url, accepted := serve(t)
	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	managerA := syncer.New(storeA, client)
	managerB := syncer.New(storeB, <-accepted)
	defer managerA.Close()

	if err := managerA.DoPull(ctx); err != nil {
		t.Fatalf("A pull failed: %v", err)
	}
	if err := managerB.DoPull(ctx); err != nil {
		t.Fatalf("B pull failed: %v", err)
	}

	for _, s := range []*replica.Store{storeA, storeB} {
		for key, want := range map[string]string{"a": "1", "b": "2"} {
			got, ok, err := s.GetString(ctx, key)
			if err != nil || !ok || got != want {
				t.Fatalf("key %s: got %q (found=%v, err=%v), want %q", key, got, ok, err, want)
			}
		}
	}
}
