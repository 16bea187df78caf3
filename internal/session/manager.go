// Session Manager (spec §4.2): allocation, description, and destruction of
// sessions. Constructor-injection shape and persist-JSON-with-a-TTL pattern
// carried forward from the store wrapper idiom used throughout this
// package; the descriptor algorithm itself follows the dual-mode shape
// from original_source/scripts/redis-utils/app/orchestration.py
// (_find_available_sequence, initialize_orchestration,
// initialize_summoner_orchestration, get_config, cleanup_session).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moogle-fabric/fabric/internal/message"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

// maxSequenceSlots bounds the sequenced-mode allocation loop (spec §4.2).
const maxSequenceSlots = 100

// DefaultTTL is the session descriptor TTL used when the caller does not
// specify one (spec §3, "default 3600s").
const DefaultTTL = 3600 * time.Second

// Manager creates, loads, and cleans up session descriptors against a
// store client.
type Manager struct {
	store  *storeclient.Client
	logger *zap.Logger
}

// NewManager builds a Manager over an already-connected store client.
func NewManager(store *storeclient.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger}
}

// CreateSequenced allocates the lowest unused NNN in 1..100 for
// "<project>-<host>-NNN" and persists a sequenced-mode descriptor
// (spec §4.2, Scenario C).
func (m *Manager) CreateSequenced(ctx context.Context, project, host string, maxChildren int, ttl time.Duration) (*Descriptor, error) {
	return m.CreateSequencedWithPrefix(ctx, fmt.Sprintf("%s-%s", project, host), maxChildren, ttl)
}

// CreateSequencedWithPrefix is CreateSequenced generalized to an arbitrary
// base prefix (rather than a project/host pair), matching
// original_source/scripts/redis-utils/app/cli/init_orch.py's "--prefix"
// override of get_default_prefix(). CreateSequenced is the common case;
// this is what cmd/fabricctl's "init --mode sequenced --prefix" calls.
func (m *Manager) CreateSequencedWithPrefix(ctx context.Context, basePrefix string, maxChildren int, ttl time.Duration) (*Descriptor, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var prefix string
	found := false
	for n := 1; n <= maxSequenceSlots; n++ {
		candidate := fmt.Sprintf("%s-%03d", basePrefix, n)
		exists, err := m.store.Exists(ctx, candidate+":config")
		if err != nil {
			return nil, fmt.Errorf("session: probing sequence %d: %w", n, err)
		}
		if !exists {
			prefix = candidate
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoAvailableSequence
	}

	d := &Descriptor{
		SessionID:    prefix,
		Prefix:       prefix,
		MaxChildren:  maxChildren,
		CreatedAt:    nowISO(),
		TaskQueues:   make([]string, maxChildren),
		ReportQueues: make([]string, maxChildren),
		StatusStream: prefix + ":status",
		ResultStream: prefix + ":results",
		ControlList:  prefix + ":control",
		Mode:         ModeSequenced,
	}
	for i := 1; i <= maxChildren; i++ {
		d.TaskQueues[i-1] = fmt.Sprintf("%s:p2c:%d", prefix, i)
		d.ReportQueues[i-1] = fmt.Sprintf("%s:c2p:%d", prefix, i)
	}

	if err := m.persist(ctx, d, ttl); err != nil {
		return nil, err
	}

	m.logger.Info("session created (sequenced)",
		zap.String("prefix", prefix), zap.Int("max_children", maxChildren))
	return d, nil
}

// CreateUUID allocates a "summoner:<id>" prefix and persists a uuid-mode
// descriptor, publishing an "initialized" monitor envelope (spec §4.2).
// sessionID may be empty, in which case a new uuid is generated.
func (m *Manager) CreateUUID(ctx context.Context, maxChildren int, ttl time.Duration, sessionID string) (*Descriptor, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	prefix := "summoner:" + sessionID

	d := &Descriptor{
		SessionID:      sessionID,
		Prefix:         prefix,
		MaxChildren:    maxChildren,
		CreatedAt:      nowISO(),
		TaskQueues:     make([]string, maxChildren),
		ReportQueue:    prefix + ":reports",
		StatusStream:   prefix + ":status",
		ResultStream:   prefix + ":results",
		ControlList:    prefix + ":control",
		MonitorChannel: prefix + ":monitor",
		Mode:           ModeUUID,
	}
	for i := 1; i <= maxChildren; i++ {
		d.TaskQueues[i-1] = fmt.Sprintf("%s:tasks:%d", prefix, i)
	}

	if err := m.persist(ctx, d, ttl); err != nil {
		return nil, err
	}

	if err := m.publishMonitorEvent(ctx, d, "initialized"); err != nil {
		m.logger.Warn("failed to publish initialized event", zap.Error(err))
	}

	m.logger.Info("session created (uuid)",
		zap.String("prefix", prefix), zap.Int("max_children", maxChildren))
	return d, nil
}

// persist writes the descriptor JSON with TTL and records an "initialized"
// status-stream event carrying the same TTL.
func (m *Manager) persist(ctx context.Context, d *Descriptor, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("session: marshal descriptor: %w", err)
	}
	if err := m.store.Set(ctx, d.Prefix+":config", string(data), ttl); err != nil {
		return fmt.Errorf("session: persist descriptor: %w", err)
	}
	if _, err := m.store.XAdd(ctx, d.StatusStream, map[string]string{"event": "initialized"}); err != nil {
		return fmt.Errorf("session: xadd initialized: %w", err)
	}
	if _, err := m.store.Expire(ctx, d.StatusStream, ttl); err != nil {
		m.logger.Warn("failed to set TTL on status stream", zap.Error(err))
	}
	return nil
}

func (m *Manager) publishMonitorEvent(ctx context.Context, d *Descriptor, event string) error {
	if d.MonitorChannel == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"event": event, "session_id": d.SessionID})
	if err != nil {
		return err
	}
	mon := message.NewMonitorEnvelope(d.Prefix+":config", string(payload))
	encoded, err := message.EncodeMonitorEnvelope(mon)
	if err != nil {
		return err
	}
	_, err = m.store.Publish(ctx, d.MonitorChannel, string(encoded))
	return err
}

// Load reads a descriptor by prefix. When prefixOrID does not resolve
// directly it is retried as a uuid-mode session_id ("summoner:<id>").
// Returns ErrSessionNotFound when neither key exists (spec §4.2).
func (m *Manager) Load(ctx context.Context, prefixOrID string) (*Descriptor, error) {
	val, ok, err := m.store.Get(ctx, prefixOrID+":config")
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if !ok {
		alt := "summoner:" + prefixOrID
		val, ok, err = m.store.Get(ctx, alt+":config")
		if err != nil {
			return nil, fmt.Errorf("session: load: %w", err)
		}
		if !ok {
			return nil, ErrSessionNotFound
		}
	}
	var d Descriptor
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return nil, fmt.Errorf("session: load: decode descriptor: %w", err)
	}
	return &d, nil
}

// Cleanup deletes every key referenced by the descriptor identified by
// prefixOrID, publishing a final "cleanup" monitor envelope in uuid mode.
// Returns false (no error) when the session no longer exists, making
// repeated calls idempotent (spec §8).
func (m *Manager) Cleanup(ctx context.Context, prefixOrID string) (bool, error) {
	d, err := m.Load(ctx, prefixOrID)
	if err != nil {
		if err == ErrSessionNotFound {
			return false, nil
		}
		return false, err
	}

	if _, err := m.store.Delete(ctx, d.AllKeys()...); err != nil {
		return false, fmt.Errorf("session: cleanup: %w", err)
	}

	if d.Mode == ModeUUID {
		if err := m.publishMonitorEvent(ctx, d, "cleanup"); err != nil {
			m.logger.Warn("failed to publish cleanup event", zap.Error(err))
		}
	}

	m.logger.Info("session cleaned up", zap.String("prefix", d.Prefix))
	return true, nil
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}
