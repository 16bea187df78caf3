// Package storeclient speaks the RESP request/reply wire protocol to a
// Redis-compatible store directly over a TCP socket, without a driver
// library. It is the fabric's own Store Client (spec §4.1): one persistent
// command connection per Client, plus dedicated subscriber connections
// opened on demand by NewSubscriber.
package storeclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrConnection is wrapped into any error caused by a transport failure
// (dial failure, reset connection, read/write deadline exceeded outside of
// a blocking-pop timeout).
var ErrConnection = errors.New("storeclient: connection error")

// ErrCommand wraps a server-side "-ERR ..." reply.
var ErrCommand = errors.New("storeclient: command error")

// timeoutGrace is added on top of a caller-supplied blocking timeout so the
// OS-level read deadline never fires strictly before the server's own
// BLPOP/BRPOP timeout would have returned a nil reply.
const timeoutGrace = 2 * time.Second

// Config configures a Client's command connection.
type Config struct {
	Addr         string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client owns one persistent command connection. Safe for concurrent use;
// commands are serialized over the single connection by mu, matching the
// "one command-socket per component instance" rule in spec §5.
type Client struct {
	addr         string
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	// reconnect paces reconnect attempts to roughly one per second so a
	// downed store isn't hammered by a tight retry loop (spec §7:
	// connection errors in a blocking loop "sleep briefly (~1s) then
	// retry").
	reconnect *rate.Limiter
}

// New creates a Client and establishes the command connection.
func New(cfg Config) (*Client, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	c := &Client{
		addr:         cfg.Addr,
		dialTimeout:  cfg.DialTimeout,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		reconnect:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, c.addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// Close releases the command socket. Orphaning it is a bug per spec §5.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// do sends a command and reads exactly one reply, under the default
// read/write deadlines. Callers needing a different deadline (BLPOP/BRPOP)
// use doWithDeadline.
func (c *Client) do(args ...string) (reply, error) {
	rep, err := c.doWithDeadline(args, c.readTimeout)
	if errors.Is(err, errTimeout) {
		// Outside a blocking pop, a missed read deadline is a transport failure.
		return reply{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return rep, err
}

// doWithDeadline sends one command and reads its reply, retrying exactly
// once, after a rate-limited reconnect, when the failure is a connection
// error (dial refused, reset socket). Protocol errors and timeouts are
// never retried (spec §7).
func (c *Client) doWithDeadline(args []string, readDeadline time.Duration) (reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep, err := c.attemptOnce(args, readDeadline)
	if err == nil || !errors.Is(err, ErrConnection) {
		return rep, err
	}

	c.reconnect.Wait(context.Background())
	if connErr := c.connect(); connErr != nil {
		return reply{}, err
	}
	return c.attemptOnce(args, readDeadline)
}

func (c *Client) attemptOnce(args []string, readDeadline time.Duration) (reply, error) {
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return reply{}, err
		}
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if _, err := c.conn.Write(encodeCommand(args...)); err != nil {
		c.dropConn()
		return reply{}, fmt.Errorf("%w: write: %v", ErrConnection, err)
	}

	if readDeadline <= 0 {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return reply{}, fmt.Errorf("%w: %v", ErrConnection, err)
		}
	} else {
		if err := c.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return reply{}, fmt.Errorf("%w: %v", ErrConnection, err)
		}
	}

	rep, err := readReply(c.r)
	if err != nil {
		if isTimeout(err) {
			return reply{}, errTimeout
		}
		c.dropConn()
		return reply{}, fmt.Errorf("%w: read: %v", ErrConnection, err)
	}
	if rep.kind == replyError {
		return reply{}, fmt.Errorf("%w: %s", ErrCommand, rep.str)
	}
	return rep, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

var errTimeout = errors.New("storeclient: read deadline exceeded")

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	rep, err := c.do("PING")
	if err != nil {
		return err
	}
	if rep.kind != replySimpleString || rep.str != "PONG" {
		return fmt.Errorf("%w: unexpected PING reply", ErrCommand)
	}
	return nil
}

// Set stores value at key. ttl of 0 means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var rep reply
	var err error
	if ttl > 0 {
		rep, err = c.do("SET", key, value, "EX", strconv.FormatInt(int64(ttl/time.Second), 10))
	} else {
		rep, err = c.do("SET", key, value)
	}
	if err != nil {
		return err
	}
	if rep.kind != replySimpleString || rep.str != "OK" {
		return fmt.Errorf("%w: unexpected SET reply", ErrCommand)
	}
	return nil
}

// Get returns the value at key, or (false, nil) if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	rep, err := c.do("GET", key)
	if err != nil {
		return "", false, err
	}
	if rep.kind == replyNilBulk {
		return "", false, nil
	}
	return rep.str, true, nil
}

// Delete removes the given keys and returns the count removed.
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	rep, err := c.do(append([]string{"DEL"}, keys...)...)
	if err != nil {
		return 0, err
	}
	return rep.integer, nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	rep, err := c.do("EXISTS", key)
	if err != nil {
		return false, err
	}
	return rep.integer == 1, nil
}

// Expire sets a TTL in seconds on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	rep, err := c.do("EXPIRE", key, strconv.FormatInt(int64(ttl/time.Second), 10))
	if err != nil {
		return false, err
	}
	return rep.integer == 1, nil
}

// RPush appends values to a list and returns the new length.
func (c *Client) RPush(ctx context.Context, list string, values ...string) (int64, error) {
	rep, err := c.do(append([]string{"RPUSH", list}, values...)...)
	if err != nil {
		return 0, err
	}
	return rep.integer, nil
}

// LPush prepends values to a list and returns the new length.
func (c *Client) LPush(ctx context.Context, list string, values ...string) (int64, error) {
	rep, err := c.do(append([]string{"LPUSH", list}, values...)...)
	if err != nil {
		return 0, err
	}
	return rep.integer, nil
}

// LLen returns the length of a list.
func (c *Client) LLen(ctx context.Context, list string) (int64, error) {
	rep, err := c.do("LLEN", list)
	if err != nil {
		return 0, err
	}
	return rep.integer, nil
}

// LRange returns a slice of a list, inclusive start/stop, -1 meaning last.
func (c *Client) LRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	rep, err := c.do("LRANGE", list, strconv.FormatInt(start, 10), strconv.FormatInt(stop, 10))
	if err != nil {
		return nil, err
	}
	return bulkStrings(rep), nil
}

// BLPopResult is the (list, value) pair returned by a successful blocking pop.
type BLPopResult struct {
	List  string
	Value string
}

// BLPop blocks on the leftmost non-empty of lists until a value is pushed
// or timeout elapses. timeout of 0 waits indefinitely; any other timeout is
// sent to the server rounded up to whole seconds. Returns (nil, nil) on
// timeout — not an error, per spec §4.1/§7.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, lists ...string) (*BLPopResult, error) {
	return c.blockingPop(ctx, "BLPOP", timeout, lists)
}

// BRPop is the right-hand-side analogue of BLPop.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, lists ...string) (*BLPopResult, error) {
	return c.blockingPop(ctx, "BRPOP", timeout, lists)
}

func (c *Client) blockingPop(ctx context.Context, cmd string, timeout time.Duration, lists []string) (*BLPopResult, error) {
	if len(lists) == 0 {
		return nil, fmt.Errorf("storeclient: %s requires at least one list", cmd)
	}
	timeoutSeconds := int64(timeout / time.Second)
	if timeout > 0 && timeout%time.Second != 0 {
		// Round up: a sub-second timeout sent as "0" would make the server
		// wait forever.
		timeoutSeconds++
	}
	args := append([]string{cmd}, lists...)
	args = append(args, strconv.FormatInt(timeoutSeconds, 10))

	var deadline time.Duration
	if timeout <= 0 {
		deadline = 0 // no read deadline: wait forever, per spec
	} else {
		deadline = timeout + timeoutGrace
	}

	rep, err := c.doWithDeadline(args, deadline)
	if err != nil {
		if errors.Is(err, errTimeout) {
			return nil, nil
		}
		return nil, err
	}
	if rep.kind == replyNilArray || rep.kind == replyNilBulk {
		return nil, nil
	}
	if rep.kind != replyArray || len(rep.array) != 2 {
		return nil, fmt.Errorf("%w: unexpected %s reply shape", ErrCommand, cmd)
	}
	return &BLPopResult{List: rep.array[0].str, Value: rep.array[1].str}, nil
}

// Publish sends message on channel and returns the subscriber count.
func (c *Client) Publish(ctx context.Context, channel, message string) (int64, error) {
	rep, err := c.do("PUBLISH", channel, message)
	if err != nil {
		return 0, err
	}
	return rep.integer, nil
}

// XAdd appends fields to a stream with a server-assigned id ("*") and
// returns the assigned entry id.
func (c *Client) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	args := []string{"XADD", stream, "*"}
	for k, v := range fields {
		args = append(args, k, v)
	}
	rep, err := c.do(args...)
	if err != nil {
		return "", err
	}
	return rep.str, nil
}

// ScanResult is one page of a cursor-driven SCAN.
type ScanResult struct {
	Cursor string
	Keys   []string
}

// Scan performs one SCAN iteration with the given cursor, MATCH pattern and
// COUNT hint. Callers loop until the returned cursor is "0" (spec §4.6.1's
// cursor-based enumeration, batches of 100).
func (c *Client) Scan(ctx context.Context, cursor, match string, count int) (ScanResult, error) {
	if count <= 0 {
		count = 100
	}
	rep, err := c.do("SCAN", cursor, "MATCH", match, "COUNT", strconv.Itoa(count))
	if err != nil {
		return ScanResult{}, err
	}
	if rep.kind != replyArray || len(rep.array) != 2 {
		return ScanResult{}, fmt.Errorf("%w: unexpected SCAN reply shape", ErrCommand)
	}
	return ScanResult{Cursor: rep.array[0].str, Keys: bulkStrings(rep.array[1])}, nil
}

func bulkStrings(r reply) []string {
	if r.kind != replyArray {
		return nil
	}
	out := make([]string, 0, len(r.array))
	for _, el := range r.array {
		if el.kind == replyBulkString || el.kind == replySimpleString {
			out = append(out, el.str)
		}
	}
	return out
}
