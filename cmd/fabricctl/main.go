// Command fabricctl is the fabric's command-line surface (spec §6):
// init/rpush/blpop/cleanup/get subcommands talking directly to the
// Redis-compatible store. Argument parsing is deliberately minimal
// (stdlib flag, one FlagSet per subcommand) since CLI parsing itself is
// named out of scope for the core (spec §1) — this binary exists only so
// the core's operations are reachable from a shell.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: fabricctl <init|rpush|blpop|cleanup|get> [flags]")
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zap.NewNop()

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "init":
		err = runInit(ctx, rest, logger)
	case "rpush":
		err = runRPush(ctx, rest, logger)
	case "blpop":
		err = runBLPop(ctx, rest, logger)
	case "cleanup":
		err = runCleanup(ctx, rest, logger)
	case "get":
		err = runGet(ctx, rest, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		return exitFailure
	}

	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted")
			return exitInterrupted
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func defaultAddr() string {
	if v := os.Getenv("FABRIC_STORE_ADDR"); v != "" {
		return v
	}
	return "127.0.0.1:6379"
}

func connect(addr string) (*storeclient.Client, error) {
	return storeclient.New(storeclient.Config{Addr: addr})
}

// runInit implements "fabricctl init" (spec §6): --mode {sequenced|uuid},
// --max-children, --ttl, --prefix, --session-id.
func runInit(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	addr := fs.String("addr", defaultAddr(), "store address host:port")
	mode := fs.String("mode", "uuid", "session mode: sequenced|uuid")
	maxChildren := fs.Int("max-children", 9, "maximum worker slots")
	ttlSeconds := fs.Int("ttl", 3600, "descriptor TTL in seconds")
	prefix := fs.String("prefix", "", "base prefix (sequenced mode; fabric-<hostname> if empty)")
	sessionID := fs.String("session-id", "", "explicit session id (uuid mode)")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := connect(*addr)
	if err != nil {
		return err
	}
	defer store.Close()
	sm := session.NewManager(store, logger)

	ttl := time.Duration(*ttlSeconds) * time.Second
	var desc *session.Descriptor
	switch *mode {
	case "sequenced":
		base := *prefix
		if base == "" {
			host, _ := os.Hostname()
			base = "fabric-" + host
		}
		desc, err = sm.CreateSequencedWithPrefix(ctx, base, *maxChildren, ttl)
	case "uuid":
		desc, err = sm.CreateUUID(ctx, *maxChildren, ttl, *sessionID)
	default:
		return fmt.Errorf("invalid --mode %q (must be sequenced or uuid)", *mode)
	}
	if err != nil {
		return err
	}

	return printDescriptor(desc, *asJSON)
}

// runRPush implements "fabricctl rpush <queue> <msg...>" (spec §6): a
// --channel flag mirrors the push as a monitor envelope, matching
// sender.py's send_with_publish.
func runRPush(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("rpush", flag.ContinueOnError)
	addr := fs.String("addr", defaultAddr(), "store address host:port")
	channel := fs.String("channel", "", "monitor channel to mirror the push onto")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: rpush [flags] <queue> <msg...>")
	}
	queue, values := rest[0], rest[1:]

	store, err := connect(*addr)
	if err != nil {
		return err
	}
	defer store.Close()

	payload := strings.Join(values, " ")
	if _, err := store.RPush(ctx, queue, payload); err != nil {
		return err
	}

	if *channel != "" {
		mon := message.NewMonitorEnvelope(queue, payload)
		encoded, err := message.EncodeMonitorEnvelope(mon)
		if err != nil {
			return err
		}
		if _, err := store.Publish(ctx, *channel, string(encoded)); err != nil {
			logger.Warn("failed to mirror push on channel", zap.Error(err))
		}
	}
	fmt.Printf("pushed 1 message to %s\n", queue)
	return nil
}

// runBLPop implements "fabricctl blpop <queue>" (spec §6): --timeout,
// --count, --continuous, --parse.
func runBLPop(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("blpop", flag.ContinueOnError)
	addr := fs.String("addr", defaultAddr(), "store address host:port")
	timeoutSeconds := fs.Int("timeout", 0, "block timeout in seconds (0 = forever)")
	count := fs.Int("count", 1, "number of messages to receive")
	continuous := fs.Bool("continuous", false, "receive indefinitely until interrupted")
	parse := fs.Bool("parse", false, "decode each message as a fabric envelope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: blpop [flags] <queue>")
	}
	queue := rest[0]
	timeout := time.Duration(*timeoutSeconds) * time.Second

	store, err := connect(*addr)
	if err != nil {
		return err
	}
	defer store.Close()

	received := 0
	for *continuous || received < *count {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := store.BLPop(ctx, timeout, queue)
		if err != nil {
			return err
		}
		if res == nil {
			fmt.Fprintf(os.Stderr, "timeout: no message received within %s\n", timeout)
			if *continuous {
				continue
			}
			return fmt.Errorf("timeout waiting for message on %s", queue)
		}
		printReceived(res, *parse, logger)
		received++
	}
	return nil
}

func printReceived(res *storeclient.BLPopResult, parse bool, logger *zap.Logger) {
	if !parse {
		fmt.Println(res.Value)
		return
	}
	env, err := message.Decode([]byte(res.Value))
	if err != nil {
		logger.Warn("failed to parse message, printing raw", zap.Error(err))
		fmt.Println(res.Value)
		return
	}
	out, _ := json.Marshal(map[string]interface{}{
		"list":    res.List,
		"type":    env.Type,
		"message": res.Value,
	})
	fmt.Println(string(out))
}

// runCleanup implements "fabricctl cleanup <session>" (spec §6).
func runCleanup(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	addr := fs.String("addr", defaultAddr(), "store address host:port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: cleanup [flags] <session>")
	}

	store, err := connect(*addr)
	if err != nil {
		return err
	}
	defer store.Close()
	sm := session.NewManager(store, logger)

	ok, err := sm.Cleanup(ctx, rest[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %q not found or already cleaned up", rest[0])
	}
	fmt.Println("session cleaned up")
	return nil
}

// runGet implements "fabricctl get <session>" (spec §6).
func runGet(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	addr := fs.String("addr", defaultAddr(), "store address host:port")
	format := fs.String("format", "json", "output format: json|yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: get [flags] <session>")
	}

	store, err := connect(*addr)
	if err != nil {
		return err
	}
	defer store.Close()
	sm := session.NewManager(store, logger)

	desc, err := sm.Load(ctx, rest[0])
	if err != nil {
		return err
	}
	return printDescriptor(desc, *format != "yaml")
}

func printDescriptor(desc *session.Descriptor, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	out, err := yaml.Marshal(desc)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

