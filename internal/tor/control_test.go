package tor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/tornago"

	"github.com/nao1215/onionfetch/internal/model"
)

// fakeControl answers control port commands from a fixed table. Unknown
// AUTHENTICATE lines fail with 515, other unknown commands with 552.
type fakeControl struct {
	ln      net.Listener
	replies map[string]string

	mu       sync.Mutex
	commands []string
}

func startFakeControl(t *testing.T, replies map[string]string) *fakeControl {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	f := &fakeControl{ln: ln, replies: replies}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.handle(conn)
		}
	}()
	return f
}

func (f *fakeControl) addr() string { return f.ln.Addr().String() }

func (f *fakeControl) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		f.mu.Lock()
		f.commands = append(f.commands, line)
		f.mu.Unlock()

		reply, ok := f.replies[line]
		switch {
		case ok:
		case strings.HasPrefix(line, "AUTHENTICATE"):
			reply = "515 Authentication failed: Wrong length on authentication cookie.\r\n"
		default:
			reply = "552 Unrecognized key\r\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (f *fakeControl) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.commands)
}

const onionTarget = testOnionV3Addr1 + ":80"

// circuitReplies describes one rendezvous circuit 12 carrying a stream to
// onionTarget and dialed as "c0ffee", with one relay missing from the
// consensus.
func circuitReplies() map[string]string {
	return map[string]string{
		"AUTHENTICATE": "250 OK\r\n",
		"GETINFO stream-status": "250+stream-status=\r\n" +
			"7 SUCCEEDED 12 " + onionTarget + "\r\n" +
			"8 SUCCEEDED 3 example.com:443\r\n" +
			".\r\n250 OK\r\n",
		"GETINFO circuit-status": "250+circuit-status=\r\n" +
			"3 BUILT $AAAA~alpha,$BBBB~beta,$CCCC~gamma BUILD_FLAGS=NEED_CAPACITY PURPOSE=GENERAL\r\n" +
			"12 BUILT $1111~guard,$2222~middle,$3333~rend BUILD_FLAGS=IS_INTERNAL PURPOSE=HS_CLIENT_REND SOCKS_USERNAME=\"c0ffee\" SOCKS_PASSWORD=\"c0ffee\"\r\n" +
			".\r\n250 OK\r\n",
		"GETINFO ns/id/1111": "250+ns/id/1111=\r\n" +
			"r guard AAAAAAAAAAAAAAAAAAAAAAAAAAA BBBBBBBBBBBBBBBBBBBBBBBBBBB 2025-01-01 00:00:00 192.0.2.1 9001 0\r\n" +
			"s Fast Guard Running Stable Valid\r\n" +
			".\r\n250 OK\r\n",
		"GETINFO ns/id/2222": "250-ns/id/2222=r middle AAAA BBBB 2025-01-01 00:00:00 198.51.100.7 443 0\r\n250 OK\r\n",
	}
}

func dialFake(t *testing.T, f *fakeControl, auth ControlAuth) *ControlConn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := DialControl(ctx, f.addr(), auth)
	if err != nil {
		t.Fatalf("DialControl() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialControlAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("null authentication", func(t *testing.T) {
		t.Parallel()

		f := startFakeControl(t, map[string]string{"AUTHENTICATE": "250 OK\r\n"})
		dialFake(t, f, ControlAuth{})

		got := f.seen()
		if len(got) != 2 {
			t.Fatalf("expected both connections to authenticate, commands = %q", got)
		}
		for _, cmd := range got {
			if cmd != "AUTHENTICATE" {
				t.Errorf("command = %q, expected bare AUTHENTICATE", cmd)
			}
		}
	})

	t.Run("password is quoted", func(t *testing.T) {
		t.Parallel()

		f := startFakeControl(t, map[string]string{`AUTHENTICATE "se\"cr\\et"`: "250 OK\r\n"})
		dialFake(t, f, ControlAuth{Password: `se"cr\et`})
	})

	t.Run("cookie is sent as upper-case hex", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "control_auth_cookie")
		if err := os.WriteFile(path, []byte{0xde, 0xad, 0xbe, 0xef}, 0o600); err != nil {
			t.Fatalf("failed to write cookie: %v", err)
		}

		f := startFakeControl(t, map[string]string{"AUTHENTICATE DEADBEEF": "250 OK\r\n"})
		dialFake(t, f, ControlAuth{CookiePath: path, Password: "ignored"})
	})

	t.Run("rejected credentials", func(t *testing.T) {
		t.Parallel()

		f := startFakeControl(t, map[string]string{})
		_, err := DialControl(context.Background(), f.addr(), ControlAuth{Password: "wrong"})
		if !errors.Is(err, ErrControlReply) {
			t.Errorf("expected ErrControlReply, got %v", err)
		}
	})

	t.Run("missing cookie file", func(t *testing.T) {
		t.Parallel()

		f := startFakeControl(t, map[string]string{})
		_, err := DialControl(context.Background(), f.addr(),
			ControlAuth{CookiePath: filepath.Join(t.TempDir(), "absent")})
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected os.ErrNotExist, got %v", err)
		}
	})

	t.Run("nothing listening", func(t *testing.T) {
		t.Parallel()

		if _, err := DialControl(context.Background(), closedAddr(t), ControlAuth{}); err == nil {
			t.Error("expected error, got nil")
		}
	})
}

func TestGetInfo(t *testing.T) {
	t.Parallel()

	f := startFakeControl(t, map[string]string{
		"AUTHENTICATE":        "250 OK\r\n",
		"GETINFO version":     "250-version=0.4.8.12\r\n250 OK\r\n",
		"GETINFO config-text": "250+config-text=\r\nSocksPort 9050\r\n..leading dot\r\n.\r\n250 OK\r\n",
		"GETINFO garbage":     "OK\r\n",
	})
	c := dialFake(t, f, ControlAuth{})
	ctx := context.Background()

	t.Run("single line value", func(t *testing.T) {
		v, err := c.GetInfo(ctx, "version")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "0.4.8.12" {
			t.Errorf("value = %q", v)
		}
	})

	t.Run("data block value", func(t *testing.T) {
		v, err := c.GetInfo(ctx, "config-text")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "SocksPort 9050\n.leading dot" {
			t.Errorf("value = %q", v)
		}
	})

	t.Run("unrecognized key", func(t *testing.T) {
		if _, err := c.GetInfo(ctx, "nope"); !errors.Is(err, ErrControlReply) {
			t.Errorf("expected ErrControlReply, got %v", err)
		}
	})

	t.Run("malformed reply", func(t *testing.T) {
		if _, err := c.GetInfo(ctx, "garbage"); !errors.Is(err, ErrControlProtocol) {
			t.Errorf("expected ErrControlProtocol, got %v", err)
		}
	})
}

func TestCircuitPath(t *testing.T) {
	t.Parallel()

	t.Run("onion rendezvous circuit", func(t *testing.T) {
		t.Parallel()

		f := startFakeControl(t, circuitReplies())
		c := dialFake(t, f, ControlAuth{})

		hops, err := c.CircuitPath(context.Background(), onionTarget, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		expected := []model.HopDescriptor{
			"$1111~guard 192.0.2.1:9001",
			"$2222~middle 198.51.100.7:443",
			"$3333~rend <unresolved>",
			VirtualHop,
		}
		if !slices.Equal(hops, expected) {
			t.Errorf("hops = %q, expected %q", hops, expected)
		}
	})

	t.Run("clearnet circuit has no virtual hop", func(t *testing.T) {
		t.Parallel()

		replies := circuitReplies()
		replies["GETINFO ns/id/AAAA"] = "250-ns/id/AAAA=r alpha X Y 2025-01-01 00:00:00 203.0.113.5 9001 0\r\n250 OK\r\n"
		f := startFakeControl(t, replies)
		c := dialFake(t, f, ControlAuth{})

		hops, err := c.CircuitPath(context.Background(), "example.com:443", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hops) != 3 {
			t.Fatalf("expected 3 hops, got %q", hops)
		}
		if hops[0] != "$AAAA~alpha 203.0.113.5:9001" {
			t.Errorf("hops[0] = %q", hops[0])
		}
		if !strings.Contains(string(hops[2]), ">") {
			t.Errorf("unresolved hop %q lacks the aggregate marker", hops[2])
		}
	})

	t.Run("unknown stream", func(t *testing.T) {
		t.Parallel()

		f := startFakeControl(t, circuitReplies())
		c := dialFake(t, f, ControlAuth{})

		for _, isolation := range []string{"", "deadbeef"} {
			_, err := c.CircuitPath(context.Background(), "other.example:80", isolation)
			if !errors.Is(err, ErrStreamNotFound) {
				t.Errorf("isolation %q: expected ErrStreamNotFound, got %v", isolation, err)
			}
		}
	})

	t.Run("remapped target found by SOCKS username", func(t *testing.T) {
		t.Parallel()

		replies := circuitReplies()
		replies["GETINFO stream-status"] = "250+stream-status=\r\n" +
			"7 SUCCEEDED 12 93.184.216.34:80\r\n" +
			".\r\n250 OK\r\n"
		f := startFakeControl(t, replies)
		c := dialFake(t, f, ControlAuth{})

		hops, err := c.CircuitPath(context.Background(), onionTarget, "c0ffee")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hops) != 4 || hops[0] != "$1111~guard 192.0.2.1:9001" || hops[3] != VirtualHop {
			t.Errorf("hops = %q, expected the path of circuit 12", hops)
		}
		// Once raw for the username, once through tornago for the path.
		queries := 0
		for _, cmd := range f.seen() {
			if cmd == "GETINFO circuit-status" {
				queries++
			}
		}
		if queries != 2 {
			t.Errorf("circuit-status queried %d times, expected 2", queries)
		}
	})

	t.Run("circuit closed between queries", func(t *testing.T) {
		t.Parallel()

		replies := circuitReplies()
		replies["GETINFO circuit-status"] = "250-circuit-status=\r\n250 OK\r\n"
		f := startFakeControl(t, replies)
		c := dialFake(t, f, ControlAuth{})

		_, err := c.CircuitPath(context.Background(), onionTarget, "")
		if !errors.Is(err, ErrCircuitNotFound) {
			t.Errorf("expected ErrCircuitNotFound, got %v", err)
		}
	})
}

func TestFindStreamCircuit(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		streams []tornago.StreamInfo
		target  string
		want    string
		wantOK  bool
	}{
		{"single stream", []tornago.StreamInfo{{ID: "4", Status: "SUCCEEDED", CircuitID: "9", Target: "example.com:80"}}, "example.com:80", "9", true},
		{"last succeeded wins", []tornago.StreamInfo{
			{ID: "4", Status: "SUCCEEDED", CircuitID: "9", Target: "example.com:80"},
			{ID: "6", Status: "SUCCEEDED", CircuitID: "11", Target: "example.com:80"},
		}, "example.com:80", "11", true},
		{"succeeded preferred over pending", []tornago.StreamInfo{
			{ID: "4", Status: "SUCCEEDED", CircuitID: "9", Target: "example.com:80"},
			{ID: "6", Status: "SENTCONNECT", CircuitID: "11", Target: "example.com:80"},
		}, "example.com:80", "9", true},
		{"pending used alone", []tornago.StreamInfo{{ID: "6", Status: "SENTCONNECT", CircuitID: "11", Target: "example.com:80"}}, "example.com:80", "11", true},
		{"unattached stream ignored", []tornago.StreamInfo{{ID: "6", Status: "NEW", CircuitID: "0", Target: "example.com:80"}}, "example.com:80", "", false},
		{"closed stream ignored", []tornago.StreamInfo{{ID: "6", Status: "CLOSED", CircuitID: "11", Target: "example.com:80"}}, "example.com:80", "", false},
		{"case-insensitive target", []tornago.StreamInfo{{ID: "4", Status: "SUCCEEDED", CircuitID: "9", Target: "Example.COM:80"}}, "example.com:80", "9", true},
		{"empty", nil, "example.com:80", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := findStreamCircuit(tc.streams, tc.target)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("findStreamCircuit() = (%q, %v), expected (%q, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestFindIsolatedCircuit(t *testing.T) {
	t.Parallel()

	status := strings.Join([]string{
		`3 BUILT $AAAA~alpha BUILD_FLAGS=NEED_CAPACITY PURPOSE=GENERAL SOCKS_USERNAME="other"`,
		`5 EXTENDED $BBBB~beta PURPOSE=GENERAL SOCKS_USERNAME="tag"`,
		`8 CLOSED $CCCC~gamma PURPOSE=GENERAL SOCKS_USERNAME="late"`,
	}, "\n")

	testCases := []struct {
		name      string
		status    string
		isolation string
		want      string
		wantOK    bool
	}{
		{"match", status, "other", "3", true},
		{"circuit still extending", status, "tag", "5", true},
		{"built circuit preferred", status + "\n" + `9 BUILT $DDDD~delta SOCKS_USERNAME="tag"`, "tag", "9", true},
		{"closed circuit ignored", status, "late", "", false},
		{"no such username", status, "missing", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := findIsolatedCircuit(tc.status, tc.isolation)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("findIsolatedCircuit() = (%q, %v), expected (%q, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestParseCircuitPath(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		path     string
		expected []relayRef
	}{
		{"tilde names", "$aa~x,$BB~y", []relayRef{{"AA", "x"}, {"BB", "y"}}},
		{"equals names", "$AA=x", []relayRef{{"AA", "x"}}},
		{"bare fingerprints", "$AA,$BB", []relayRef{{"AA", ""}, {"BB", ""}}},
		{"empty elements skipped", "$AA~x,,$", []relayRef{{"AA", "x"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := parseCircuitPath(tc.path); !slices.Equal(got, tc.expected) {
				t.Errorf("parseCircuitPath(%q) = %+v, expected %+v", tc.path, got, tc.expected)
			}
		})
	}
}

func TestFindCircuitPathWithoutRelays(t *testing.T) {
	t.Parallel()

	circuits := []tornago.CircuitInfo{{ID: "5", Status: "LAUNCHED", BuildFlags: []string{"NEED_CAPACITY"}, Purpose: "GENERAL"}}
	relays, ok := findCircuitPath(circuits, "5")
	if !ok || len(relays) != 0 {
		t.Errorf("findCircuitPath() = (%v, %v), expected empty path", relays, ok)
	}
}

func TestParseRouterStatus(t *testing.T) {
	t.Parallel()

	ip, port, ok := parseRouterStatus("r nick ID DIGEST 2025-01-01 12:00:00 192.0.2.9 443 80\ns Running")
	if !ok || ip != "192.0.2.9" || port != "443" {
		t.Errorf("parseRouterStatus() = (%q, %q, %v)", ip, port, ok)
	}

	if _, _, ok := parseRouterStatus("s Running\nw Bandwidth=20"); ok {
		t.Error("expected failure without an r line")
	}
}

func TestControlAuthLogValue(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		auth   ControlAuth
		method string
	}{
		{"null", ControlAuth{}, "null"},
		{"password", ControlAuth{Password: "hunter2"}, "password"},
		{"cookie", ControlAuth{CookiePath: "/tmp/c", Password: "hunter2"}, "cookie"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v := tc.auth.LogValue()
			for _, a := range v.Group() {
				if a.Value.String() == "hunter2" {
					t.Error("password exposed in log value")
				}
				if a.Key == "method" && a.Value.String() != tc.method {
					t.Errorf("method = %q, expected %q", a.Value.String(), tc.method)
				}
			}
		})
	}
}
