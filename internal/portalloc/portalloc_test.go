package portalloc

import (
	"errors"
	"net"
	"strconv"
	"testing"
)

func TestLoopback_Allocate(t *testing.T) {
	port, err := Loopback{}.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("invalid port %d", port)
	}
	// the socket must have been released
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("expected the port to be free: %s", err)
	}
	ln.Close()
}

func TestFixed_Allocate(t *testing.T) {
	t.Run("valid port", func(t *testing.T) {
		port, err := Fixed(54321).Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if port != 54321 {
			t.Errorf("expected 54321, got %d", port)
		}
	})
	t.Run("invalid port", func(t *testing.T) {
		if _, err := Fixed(0).Allocate(); !errors.Is(err, ErrAllocation) {
			t.Errorf("expected ErrAllocation, got %v", err)
		}
		if _, err := Fixed(70000).Allocate(); !errors.Is(err, ErrAllocation) {
			t.Errorf("expected ErrAllocation, got %v", err)
		}
	})
}
