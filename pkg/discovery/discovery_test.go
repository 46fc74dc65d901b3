package discovery

import (
	"context"
	"errors"
	"net"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"replsync/pkg/dberrors"
)

func TestDiff(t *testing.T) {
	prev := []Peer{{"a", "h1:1"}, {"b", "h2:1"}, {"c", "h3:1"}}
	next := []Peer{{"a", "h1:1"}, {"b", "h2:2"}, {"d", "h4:1"}}

	added, removed := Diff(prev, next)
	if want := []Peer{{"b", "h2:2"}, {"d", "h4:1"}}; !reflect.DeepEqual(added, want) {
		t.Fatalf("added: got %v, want %v", added, want)
	}
	if want := []Peer{{"b", "h2:1"}, {"c", "h3:1"}}; !reflect.DeepEqual(removed, want) {
		t.Fatalf("removed: got %v, want %v", removed, want)
	}

	added, removed = Diff(next, next)
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("expected no changes, got +%v -%v", added, removed)
	}
}

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic("me", []string{"b=10.0.0.2:8080", " ", "me=10.0.0.1:8080", "10.0.0.3:8080", "b=dup:1"})
	if err != nil {
		t.Fatalf("ParseStatic failed: %v", err)
	}
	want := []Peer{{"10.0.0.3:8080", "10.0.0.3:8080"}, {"b", "10.0.0.2:8080"}}
	if got := s.Peers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := ParseStatic("me", []string{"=x"}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStatic_Run(t *testing.T) {
	s, err := ParseStatic("me", []string{"a=h:1"})
	if err != nil {
		t.Fatalf("ParseStatic failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []Peer, 1)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(p []Peer) { got <- p }) }()

	if p := <-got; len(p) != 1 || p[0].Name != "a" {
		t.Fatalf("unexpected update %v", p)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEntryPeer(t *testing.T) {
	entry := func(port int, text []string, v4, v6 []net.IP) *zeroconf.ServiceEntry {
		e := zeroconf.NewServiceEntry("replsync-x", DefaultService, "local.")
		e.Port = port
		e.Text = text
		e.AddrIPv4 = v4
		e.AddrIPv6 = v6
		return e
	}
	v4 := []net.IP{net.ParseIP("192.168.1.5")}
	v6 := []net.IP{net.ParseIP("fe80::1")}

	tests := []struct {
		name string
		e    *zeroconf.ServiceEntry
		want Peer
		ok   bool
	}{
		{"ipv4", entry(8080, []string{"name=x"}, v4, nil), Peer{"x", "192.168.1.5:8080"}, true},
		{"ipv6 only", entry(8080, []string{"name=x"}, nil, v6), Peer{"x", "[fe80::1]:8080"}, true},
		{"no name", entry(8080, []string{"txtv=0"}, v4, nil), Peer{}, false},
		{"no port", entry(0, []string{"name=x"}, v4, nil), Peer{}, false},
		{"no address", entry(8080, []string{"name=x"}, nil, nil), Peer{}, false},
		{"nil", nil, Peer{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := entryPeer(tc.e)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("got %v/%v, want %v/%v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestZooKeeper_RegisterAndWatch(t *testing.T) {
	servers := os.Getenv("REPLSYNC_TEST_ZK")
	if servers == "" {
		t.Skip("REPLSYNC_TEST_ZK not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	root := "/replsync-test-" + uuid.NewString()

	join := func(name string) *ZooKeeper {
		z, err := NewZooKeeper(strings.Split(servers, ","), root, Peer{Name: name, Addr: name + ":8080"}, nil)
		if err != nil {
			t.Fatalf("NewZooKeeper failed: %v", err)
		}
		if err := z.Register(ctx); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		return z
	}
	a := join("a")
	defer a.Close()

	updates := make(chan []Peer, 4)
	go func() { _ = a.Run(ctx, func(p []Peer) { updates <- p }) }()

	if p := <-updates; len(p) != 0 {
		t.Fatalf("expected no peers yet, got %v", p)
	}

	b := join("b")
	select {
	case p := <-updates:
		if want := []Peer{{"b", "b:8080"}}; !reflect.DeepEqual(p, want) {
			t.Fatalf("got %v, want %v", p, want)
		}
	case <-ctx.Done():
		t.Fatal("no update after b joined")
	}

	b.Close()
	select {
	case p := <-updates:
		if len(p) != 0 {
			t.Fatalf("expected b to be gone, got %v", p)
		}
	case <-ctx.Done():
		t.Fatal("no update after b left")
	}
}
