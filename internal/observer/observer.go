// Package observer implements the Observer (spec §4.6): presents live
// cross-session activity and persists it to disk. Run drives three loops
// concurrently (Scanner, Presenter, Queue-depth sampler) plus one Fan-in
// Subscriber pump per tracked session; the Historical viewer runs on
// demand, not as a loop.
//
// Grounded on original_source/scripts/redis-utils/app/monitor/services/
// session_scanner.py (SessionScanner.scan_sessions/_get_session_info/
// get_queue_lengths — cursor SCAN on "summoner:*:config" in batches of
// 100, tolerant of partial/undecodable descriptors, silent queue-length
// failures) and pubsub_listener.py (PubSubListener._listen_loop's
// Queue(maxsize=1000) get_nowait/put_nowait-on-Full drop-oldest fan-in, and
// MonitorMessage._determine_sender's sender/receiver derivation). The
// fan-in transport itself is built on storeclient.Subscriber (true pub/sub
// SUBSCRIBE) rather than a Redis-Streams XREAD fan-out, since the monitor
// channel is a pub/sub channel, not a stream (spec §3).
package observer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/observer/logstore"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

// Config tunes the observer's cadences (spec §4.6).
type Config struct {
	ScanInterval    time.Duration // default 5s
	PresentInterval time.Duration // default 500ms
	SampleInterval  time.Duration // default 2s
	SubscriberCap   int           // default 1000
	DialTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.PresentInterval <= 0 {
		c.PresentInterval = 500 * time.Millisecond
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 2 * time.Second
	}
	if c.SubscriberCap <= 0 {
		c.SubscriberCap = 1000
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// sessionState is the observer's per-session bookkeeping: the subscriber
// socket and its bounded fan-in queue (spec §4.6 point 2).
type sessionState struct {
	desc  *session.Descriptor
	sub   *storeclient.Subscriber
	queue *dropOldestQueue
}

// Observer runs the scanner, presenter, and sampler concurrently against
// one store, persisting observed activity via a logstore.Store.
type Observer struct {
	store   *storeclient.Client
	addr    string
	sm      *session.Manager
	logs    *logstore.Store
	logger  *zap.Logger
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*sessionState
	depths   map[string]map[string]int64
}

// New builds an Observer. addr is the store address used to open dedicated
// subscriber connections (one per active session, per spec §5's connection
// hygiene rule).
func New(store *storeclient.Client, addr string, sm *session.Manager, logs *logstore.Store, cfg Config, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		store:    store,
		addr:     addr,
		sm:       sm,
		logs:     logs,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*sessionState),
		depths:   make(map[string]map[string]int64),
	}
}

// Run blocks running the scanner, presenter, and sampler loops until ctx is
// canceled, then tears down every subscriber.
func (o *Observer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); o.scannerLoop(ctx) }()
	go func() { defer wg.Done(); o.presenterLoop(ctx) }()
	go func() { defer wg.Done(); o.samplerLoop(ctx) }()
	wg.Wait()
	o.closeAll()
}

// QueueDepths returns a snapshot of the last sample's queue lengths per
// session_id -> queue name -> length.
func (o *Observer) QueueDepths() map[string]map[string]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]map[string]int64, len(o.depths))
	for sid, qs := range o.depths {
		cp := make(map[string]int64, len(qs))
		for q, n := range qs {
			cp[q] = n
		}
		out[sid] = cp
	}
	return out
}

// ActiveSessionIDs returns the session ids currently tracked by the
// scanner (used by health checks to report liveness, spec ambient stack).
func (o *Observer) ActiveSessionIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for sid := range o.sessions {
		ids = append(ids, sid)
	}
	return ids
}

// ReplaySession returns a cleaned-up or still-active session's persisted
// history (spec §4.6 "Historical viewer").
func (o *Observer) ReplaySession(sessionID string) ([]logstore.Entry, error) {
	return o.logs.LoadMessages(sessionID)
}

// --- Scanner (spec §4.6 point 1) ---

func (o *Observer) scannerLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()
	o.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcile(ctx)
		}
	}
}

func (o *Observer) reconcile(ctx context.Context) {
	descs, err := o.scanSessions(ctx)
	if err != nil {
		o.logger.Warn("session scan failed", zap.Error(err))
		return
	}

	current := make(map[string]*session.Descriptor, len(descs))
	for _, d := range descs {
		current[d.SessionID] = d
	}

	o.mu.Lock()
	var toAdd []*session.Descriptor
	var toRemove []string
	for sid, d := range current {
		if _, ok := o.sessions[sid]; !ok {
			toAdd = append(toAdd, d)
		}
	}
	for sid := range o.sessions {
		if _, ok := current[sid]; !ok {
			toRemove = append(toRemove, sid)
		}
	}
	o.mu.Unlock()

	for _, sid := range toRemove {
		o.untrack(sid)
	}
	for _, d := range toAdd {
		o.track(d)
	}
}

// scanSessions cursor-scans "summoner:*:config" in batches of 100 and
// loads each descriptor, skipping any that fail to decode (spec §4.6
// "tolerate partial descriptors").
func (o *Observer) scanSessions(ctx context.Context) ([]*session.Descriptor, error) {
	var keys []string
	cursor := "0"
	for {
		res, err := o.store.Scan(ctx, cursor, "summoner:*:config", 100)
		if err != nil {
			return nil, fmt.Errorf("observer: scan: %w", err)
		}
		keys = append(keys, res.Keys...)
		cursor = res.Cursor
		if cursor == "0" {
			break
		}
	}

	descs := make([]*session.Descriptor, 0, len(keys))
	for _, key := range keys {
		prefix := strings.TrimSuffix(key, ":config")
		d, err := o.sm.Load(ctx, prefix)
		if err != nil {
			o.logger.Debug("skipping undecodable session descriptor", zap.String("key", key), zap.Error(err))
			continue
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// --- Fan-in Subscriber (spec §4.6 point 2) ---

func (o *Observer) track(d *session.Descriptor) {
	if d.MonitorChannel == "" {
		return
	}
	sub, err := storeclient.NewSubscriber(o.addr, o.cfg.DialTimeout)
	if err != nil {
		o.logger.Warn("failed to open subscriber for session", zap.String("session_id", d.SessionID), zap.Error(err))
		return
	}
	if err := sub.Subscribe(d.MonitorChannel); err != nil {
		o.logger.Warn("failed to subscribe to monitor channel", zap.String("session_id", d.SessionID), zap.Error(err))
		sub.Close()
		return
	}

	state := &sessionState{desc: d, sub: sub, queue: newDropOldestQueue(o.cfg.SubscriberCap)}

	o.mu.Lock()
	o.sessions[d.SessionID] = state
	o.mu.Unlock()

	go o.pump(state)
	o.logger.Info("tracking session", zap.String("session_id", d.SessionID))
}

func (o *Observer) untrack(sessionID string) {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
		delete(o.depths, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	state.sub.Close()
	o.logger.Info("untracked session", zap.String("session_id", sessionID))
}

func (o *Observer) closeAll() {
	o.mu.Lock()
	states := make([]*sessionState, 0, len(o.sessions))
	for _, s := range o.sessions {
		states = append(states, s)
	}
	o.sessions = make(map[string]*sessionState)
	o.mu.Unlock()
	for _, s := range states {
		s.sub.Close()
	}
}

// pump drains one session's subscriber socket into its bounded queue until
// the subscriber is closed (spec §4.6's "drop-oldest when full").
func (o *Observer) pump(state *sessionState) {
	for msg := range state.sub.Message {
		state.queue.push(msg)
	}
}

// --- Presenter (spec §4.6 point 3) ---

func (o *Observer) presenterLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PresentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.present(ctx)
		}
	}
}

func (o *Observer) present(ctx context.Context) {
	o.mu.Lock()
	states := make([]*sessionState, 0, len(o.sessions))
	for _, s := range o.sessions {
		states = append(states, s)
	}
	o.mu.Unlock()

	for _, state := range states {
		for _, raw := range state.queue.drain(100) {
			o.presentOne(state.desc, raw)
		}
	}
}

// presentOne decodes one monitor-channel payload. A worker's status events
// are published unwrapped (a bare Envelope, since they mirror no list
// push); everything else arrives as a MonitorEnvelope wrapping the
// original pushed message (spec §3, §4.6). Both shapes are tried.
func (o *Observer) presentOne(desc *session.Descriptor, raw storeclient.Message) {
	var queue string
	var env *message.Envelope

	if direct, err := message.Decode([]byte(raw.Payload)); err == nil {
		env = direct
	} else if mon, monErr := message.DecodeMonitorEnvelope([]byte(raw.Payload)); monErr == nil && mon.Message != "" {
		wrapped, decErr := message.Decode([]byte(mon.Message))
		if decErr != nil {
			o.logger.Warn("dropping undecodable monitor envelope message", zap.String("session_id", desc.SessionID), zap.Error(decErr))
			return
		}
		env = wrapped
		queue = mon.Queue
	} else {
		o.logger.Warn("dropping undecodable monitor-channel payload", zap.String("session_id", desc.SessionID))
		return
	}

	msgType, sender, receiver, content := deriveSenderReceiver(queue, env)
	rawData := map[string]interface{}{"message_id": env.MessageID}
	if queue != "" {
		rawData["queue"] = queue
	}

	line := fmt.Sprintf("%s -> %s: %s", sender, receiver, content)
	if saveErr := o.logs.SaveMessage(desc.SessionID, msgType, sender, line, rawData); saveErr != nil {
		o.logger.Warn("failed to persist monitor message", zap.String("session_id", desc.SessionID), zap.Error(saveErr))
	}
}

// deriveSenderReceiver labels a decoded envelope with a display
// sender/receiver pair (spec §4.6's display-name derivation):
//   - task/shutdown: "moogle" -> "chocobo-N" (N from the queue suffix, or
//     the shutdown's target_child_id; "chocobo" if N cannot be determined)
//   - report/status: "chocobo-N" -> "moogle" (N from the payload's child_id)
func deriveSenderReceiver(queue string, env *message.Envelope) (msgType, sender, receiver, content string) {
	msgType = string(env.Type)
	switch env.Type {
	case message.TypeTask:
		n, ok := childIDFromQueue(queue)
		receiver = chocoboLabel(n, ok)
		sender = "moogle"
		content = env.Task.EffectivePrompt()
	case message.TypeShutdown:
		sender = "moogle"
		if env.Shutdown.TargetChildID != nil {
			receiver = chocoboLabel(*env.Shutdown.TargetChildID, true)
		} else if n, ok := childIDFromQueue(queue); ok {
			receiver = chocoboLabel(n, true)
		} else {
			receiver = "chocobo"
		}
		content = env.Shutdown.Reason
	case message.TypeReport:
		sender = chocoboLabel(env.Report.ChildID, env.Report.ChildID != 0)
		receiver = "moogle"
		content = fmt.Sprintf("status=%s duration_ms=%d", env.Report.Status, env.Report.DurationMs)
	case message.TypeStatus:
		sender = chocoboLabel(env.Status.ChildID, env.Status.ChildID != 0)
		receiver = "moogle"
		content = string(env.Status.Event)
	default:
		sender, receiver, content = "unknown", "unknown", ""
	}
	return
}

func chocoboLabel(n int, ok bool) string {
	if !ok || n <= 0 {
		return "chocobo"
	}
	return "chocobo-" + strconv.Itoa(n)
}

// childIDFromQueue extracts the trailing ":N" slot number from a task
// queue name such as "summoner:<id>:tasks:3" or "<prefix>:p2c:3".
func childIDFromQueue(queue string) (int, bool) {
	idx := strings.LastIndex(queue, ":")
	if idx < 0 || idx == len(queue)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(queue[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// --- Queue-depth sampler (spec §4.6 point 4) ---

func (o *Observer) samplerLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sample(ctx)
		}
	}
}

func (o *Observer) sample(ctx context.Context) {
	o.mu.Lock()
	states := make([]*sessionState, 0, len(o.sessions))
	for _, s := range o.sessions {
		states = append(states, s)
	}
	o.mu.Unlock()

	for _, state := range states {
		depths := make(map[string]int64, len(state.desc.TaskQueues)+1)
		for _, q := range state.desc.TaskQueues {
			n, err := o.store.LLen(ctx, q)
			if err != nil {
				continue // session vanished mid-sample: swallow silently (spec §4.6)
			}
			depths[q] = n
		}
		reportQueue := state.desc.ReportQueue
		if reportQueue != "" {
			if n, err := o.store.LLen(ctx, reportQueue); err == nil {
				depths[reportQueue] = n
			}
		}

		o.mu.Lock()
		o.depths[state.desc.SessionID] = depths
		o.mu.Unlock()
	}
}

// dropOldestQueue is a bounded FIFO that discards its oldest item when
// full instead of blocking the producer, matching pubsub_listener.py's
// Queue(maxsize=1000) get_nowait/put_nowait-on-Full pattern.
type dropOldestQueue struct {
	mu    sync.Mutex
	items []storeclient.Message
	cap   int
}

func newDropOldestQueue(capacity int) *dropOldestQueue {
	return &dropOldestQueue{cap: capacity}
}

func (q *dropOldestQueue) push(item storeclient.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
}

// drain pops up to max items in FIFO order.
func (q *dropOldestQueue) drain(max int) []storeclient.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]storeclient.Message, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}
