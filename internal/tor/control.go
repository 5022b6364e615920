package tor

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/tornago"

	"github.com/nao1215/onionfetch/internal/model"
)

// ControlAuth selects how to authenticate to the control port.
// With neither field set, null authentication is used.
type ControlAuth struct {
	// Password for HashedControlPassword setups.
	Password string
	// CookiePath is the control_auth_cookie file for CookieAuthentication.
	CookiePath string
}

// LogValue reports the authentication method without the credential.
func (a ControlAuth) LogValue() slog.Value {
	switch {
	case a.CookiePath != "":
		return slog.GroupValue(slog.String("method", "cookie"), slog.String("cookie_path", a.CookiePath))
	case a.Password != "":
		return slog.GroupValue(slog.String("method", "password"))
	default:
		return slog.GroupValue(slog.String("method", "null"))
	}
}

// ControlConn is a Tor control port session. Stream and circuit listings go
// through a tornago ControlClient; a second authenticated connection reads
// GETINFO values that Tor returns as data blocks (network status entries and
// the raw circuit-status lines with their SOCKS_USERNAME keywords), which
// tornago's GetInfo and CircuitInfo do not carry. Neither connection
// subscribes to asynchronous events.
type ControlConn struct {
	client *tornago.ControlClient
	info   *infoConn
}

// DialControl connects to the control port at address and authenticates.
func DialControl(ctx context.Context, address string, auth ControlAuth) (*ControlConn, error) {
	client, err := tornago.NewControlClient(address, auth.toTornago(), controlTimeout(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", address, err)
	}
	if err := client.Authenticate(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("control port authentication failed: %w", replyError(err))
	}

	info, err := dialInfo(ctx, address, auth)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &ControlConn{client: client, info: info}, nil
}

// toTornago converts a to tornago's credential type. A cookie wins over a
// password.
func (a ControlAuth) toTornago() tornago.ControlAuth {
	switch {
	case a.CookiePath != "":
		return tornago.ControlAuthFromCookie(a.CookiePath)
	case a.Password != "":
		return tornago.ControlAuthFromPassword(a.Password)
	default:
		return tornago.ControlAuth{}
	}
}

// token renders the AUTHENTICATE argument the same way tornago does.
func (a ControlAuth) token() (string, error) {
	switch {
	case a.CookiePath != "":
		cookie, err := os.ReadFile(a.CookiePath)
		if err != nil {
			return "", fmt.Errorf("failed to read control auth cookie: %w", err)
		}
		return strings.ToUpper(hex.EncodeToString(cookie)), nil
	case a.Password != "":
		return quoteControlString(a.Password), nil
	default:
		return "", nil
	}
}

func controlTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return defaultControlTimeout
}

const defaultControlTimeout = 10 * time.Second

// replyError marks a command tornago saw rejected with a 5xx status.
func replyError(err error) error {
	var te *tornago.TornagoError
	if !errors.As(err, &te) || te.Kind != tornago.ErrControlRequestFail || len(te.Msg) < 3 {
		return err
	}
	if code, convErr := strconv.Atoi(te.Msg[:3]); convErr == nil && code >= 500 {
		return fmt.Errorf("%w: %w", ErrControlReply, err)
	}
	return err
}

// quoteControlString renders s as a control protocol QuotedString.
func quoteControlString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// GetInfo sends "GETINFO key" and returns the value. Multi-line values are
// joined with "\n".
func (c *ControlConn) GetInfo(ctx context.Context, key string) (string, error) {
	return c.info.getInfo(ctx, key)
}

// Close closes both connections.
func (c *ControlConn) Close() error {
	return errors.Join(c.client.Close(), c.info.close())
}

// infoConn reads GETINFO replies including "250+" data blocks.
type infoConn struct {
	mu   sync.Mutex
	conn net.Conn
	text *textproto.Conn
}

func dialInfo(ctx context.Context, address string, auth ControlAuth) (*infoConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", address, err)
	}
	c := &infoConn{conn: conn, text: textproto.NewConn(conn)}

	token, err := auth.token()
	if err == nil {
		cmd := "AUTHENTICATE"
		if token != "" {
			cmd += " " + token
		}
		_, err = c.command(ctx, cmd)
	}
	if err != nil {
		_ = c.close()
		return nil, fmt.Errorf("control port authentication failed: %w", err)
	}
	return c, nil
}

func (c *infoConn) getInfo(ctx context.Context, key string) (string, error) {
	lines, err := c.command(ctx, "GETINFO "+key)
	if err != nil {
		return "", err
	}
	prefix := key + "="
	for _, l := range lines {
		if v, ok := strings.CutPrefix(l, prefix); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: no value for %q", ErrControlProtocol, key)
}

func (c *infoConn) close() error {
	return c.text.Close()
}

// command writes one command line and reads its reply. Each returned entry
// is a reply line without its status prefix; "250+" data blocks are appended
// to their keyword line.
func (c *infoConn) command(ctx context.Context, line string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.text.PrintfLine("%s", line); err != nil {
		return nil, fmt.Errorf("failed to send control command: %w", err)
	}
	lines, err := readControlReply(&c.text.Reader)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return lines, err
}

func readControlReply(r *textproto.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("failed to read control reply: %w", err)
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("%w: %q", ErrControlProtocol, line)
		}

		code, sep, text := line[:3], line[3], line[4:]
		switch sep {
		case '-':
			lines = append(lines, text)
		case '+':
			data, err := r.ReadDotLines()
			if err != nil {
				return nil, fmt.Errorf("failed to read control data block: %w", err)
			}
			lines = append(lines, text+strings.Join(data, "\n"))
		case ' ':
			if code != "250" {
				return nil, fmt.Errorf("%w: %s %s", ErrControlReply, code, text)
			}
			return append(lines, text), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrControlProtocol, line)
		}
	}
}

// CircuitPath reports the hops of the circuit carrying the stream to target
// ("host:port"), nearest relay first. When Tor has rewritten the stream's
// target (a REMAP to the resolved address, for instance), the circuit is
// found by its SOCKS_USERNAME instead, which is the isolation tag the stream
// was dialed with. Relays whose descriptor is unavailable are reported as
// unresolved hops. Onion targets get a trailing virtual hop for the service
// side of the rendezvous.
func (c *ControlConn) CircuitPath(ctx context.Context, target, isolation string) ([]model.HopDescriptor, error) {
	streams, err := c.client.GetStreamStatus(ctx)
	if err != nil {
		return nil, replyError(err)
	}
	circID, ok := findStreamCircuit(streams, target)
	if !ok && isolation != "" {
		status, err := c.info.getInfo(ctx, "circuit-status")
		if err != nil {
			return nil, err
		}
		circID, ok = findIsolatedCircuit(status, isolation)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, target)
	}

	circuits, err := c.client.GetCircuitStatus(ctx)
	if err != nil {
		return nil, replyError(err)
	}
	relays, ok := findCircuitPath(circuits, circID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotFound, circID)
	}

	hops := make([]model.HopDescriptor, 0, len(relays)+1)
	for _, relay := range relays {
		hops = append(hops, c.describeRelay(ctx, relay))
	}

	host, _, err := net.SplitHostPort(target)
	if err == nil && IsOnionHost(host) {
		hops = append(hops, VirtualHop)
	}
	return hops, nil
}

// VirtualHop stands in for the relays an onion service chose itself.
const VirtualHop model.HopDescriptor = "<virtual hop>"

func (c *ControlConn) describeRelay(ctx context.Context, relay relayRef) model.HopDescriptor {
	entry, err := c.info.getInfo(ctx, "ns/id/"+relay.fingerprint)
	if err != nil {
		return relay.unresolved()
	}
	ip, orPort, ok := parseRouterStatus(entry)
	if !ok {
		return relay.unresolved()
	}
	return model.HopDescriptor(fmt.Sprintf("%s %s", relay.longName(), net.JoinHostPort(ip, orPort)))
}

// relayRef is one element of a circuit path.
type relayRef struct {
	fingerprint string
	nickname    string
}

func (r relayRef) longName() string {
	if r.nickname == "" {
		return "$" + r.fingerprint
	}
	return "$" + r.fingerprint + "~" + r.nickname
}

func (r relayRef) unresolved() model.HopDescriptor {
	return model.HopDescriptor(r.longName() + " <unresolved>")
}

// findStreamCircuit looks up the circuit of the stream to target. The last
// SUCCEEDED stream wins; a stream still being attached is used otherwise.
func findStreamCircuit(streams []tornago.StreamInfo, target string) (string, bool) {
	var found, pending string
	for _, s := range streams {
		if !strings.EqualFold(s.Target, target) || s.CircuitID == "0" {
			continue
		}
		switch s.Status {
		case "SUCCEEDED":
			found = s.CircuitID
		case "SENTCONNECT", "NEW", "SENTRESOLVE", "REMAP":
			pending = s.CircuitID
		}
	}
	if found != "" {
		return found, true
	}
	return pending, pending != ""
}

// findIsolatedCircuit scans raw circuit-status lines for the circuit whose
// SOCKS_USERNAME is isolation. A BUILT circuit wins over one still being
// extended.
func findIsolatedCircuit(status, isolation string) (string, bool) {
	var found, pending string
	for _, line := range strings.Split(status, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, f := range fields[2:] {
			v, ok := strings.CutPrefix(f, "SOCKS_USERNAME=")
			if !ok {
				continue
			}
			if u, err := strconv.Unquote(v); err == nil {
				v = u
			}
			if v != isolation {
				break
			}
			if fields[1] == "BUILT" {
				found = fields[0]
			} else if fields[1] != "FAILED" && fields[1] != "CLOSED" {
				pending = fields[0]
			}
		}
	}
	if found != "" {
		return found, true
	}
	return pending, pending != ""
}

// findCircuitPath looks up circID and splits its path. A circuit that has
// not extended to any relay yet has an empty path.
func findCircuitPath(circuits []tornago.CircuitInfo, circID string) ([]relayRef, bool) {
	for _, c := range circuits {
		if c.ID == circID {
			return parseCircuitPath(strings.Join(c.Path, ",")), true
		}
	}
	return nil, false
}

// parseCircuitPath splits "$FP~nick,$FP=nick,$FP" into relays.
func parseCircuitPath(path string) []relayRef {
	parts := strings.Split(path, ",")
	relays := make([]relayRef, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimPrefix(p, "$")
		if p == "" {
			continue
		}
		fp, nick, _ := strings.Cut(p, "~")
		if before, after, ok := strings.Cut(fp, "="); ok {
			fp, nick = before, after
		}
		relays = append(relays, relayRef{fingerprint: strings.ToUpper(fp), nickname: nick})
	}
	return relays
}

// parseRouterStatus extracts address and ORPort from the "r" line of a
// network status entry:
//
//	r nickname identity digest date time IP ORPort DirPort
func parseRouterStatus(entry string) (ip, orPort string, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(entry))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 8 && fields[0] == "r" {
			return fields[6], fields[7], true
		}
	}
	return "", "", false
}
