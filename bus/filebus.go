package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semfloor/storage"
)

// File names under the bus directory.
const (
	messagesFileName   = "messages.ndjson"
	agentsFileName     = "agents.json"
	heartbeatsFileName = "heartbeats.json"
)

// FileBus is the default bus backend: an NDJSON message log plus agent
// and heartbeat tables, all persisted through the atomic store under a
// single directory.
type FileBus struct {
	mu     sync.Mutex
	store  *storage.Store
	root   string
	logger *slog.Logger

	// lastStamp enforces strictly increasing message timestamps for
	// this writer. Send additionally beats the newest persisted stamp,
	// so a second process over the same store (the CLI beside the
	// daemon) cannot mint an equal one and receive-since never skips a
	// message.
	lastStamp time.Time
}

// agentsFile is the persisted registry shape.
type agentsFile struct {
	Agents map[string]AgentInfo `json:"agents"`
}

// heartbeatsFile is the persisted heartbeat table shape.
type heartbeatsFile struct {
	Heartbeats map[string]HeartbeatPayload `json:"heartbeats"`
}

// NewFileBus creates a file bus rooted at dir (the BUS_PATH).
func NewFileBus(store *storage.Store, dir string, logger *slog.Logger) *FileBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBus{store: store, root: dir, logger: logger}
}

// Root returns the bus directory.
func (b *FileBus) Root() string {
	return b.root
}

func (b *FileBus) messagesPath() string {
	return filepath.Join(b.root, messagesFileName)
}

// Connect registers the agent. Idempotent.
func (b *FileBus) Connect(_ context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("connect: agent id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var af agentsFile
	path := filepath.Join(b.root, agentsFileName)
	if _, err := b.store.ReadJSON(path, &af); err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	if af.Agents == nil {
		af.Agents = make(map[string]AgentInfo)
	}
	if _, exists := af.Agents[agentID]; exists {
		return nil
	}
	af.Agents[agentID] = AgentInfo{AgentID: agentID, ConnectedAt: time.Now().UTC()}
	if err := b.store.WriteJSON(path, &af); err != nil {
		return fmt.Errorf("persist agent registry: %w", err)
	}
	return nil
}

// Send validates the message, assigns id and timestamp when absent,
// and appends it to the log exactly once. HEARTBEAT messages update
// the heartbeat table instead.
func (b *FileBus) Send(ctx context.Context, msg Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := validateForSend(&msg, b.lookupQuestionLocked); err != nil {
		return "", err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	floor := b.lastStamp
	if persisted, err := b.lastPersistedStampLocked(); err != nil {
		return "", err
	} else if persisted.After(floor) {
		floor = persisted
	}
	if !msg.Timestamp.After(floor) {
		msg.Timestamp = floor.Add(time.Nanosecond)
	}
	b.lastStamp = msg.Timestamp

	if msg.Type == MsgHeartbeat {
		var hb HeartbeatPayload
		if err := msg.Decode(&hb); err != nil {
			return "", err
		}
		if hb.Timestamp.IsZero() {
			hb.Timestamp = msg.Timestamp
		}
		if err := b.upsertHeartbeatLocked(hb); err != nil {
			return "", err
		}
		return msg.ID, nil
	}

	record, err := json.Marshal(&msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	if err := b.store.Append(b.messagesPath(), record); err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return msg.ID, nil
}

// Receive returns messages addressed to agentID strictly newer than
// since, in send order.
func (b *FileBus) Receive(_ context.Context, agentID string, since time.Time) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all, err := b.readMessagesLocked()
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, msg := range all {
		if msg.To != agentID {
			continue
		}
		if !msg.Timestamp.After(since) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Heartbeat upserts the agent's liveness record.
func (b *FileBus) Heartbeat(_ context.Context, agentID, progress string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upsertHeartbeatLocked(HeartbeatPayload{
		AgentID:   agentID,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	})
}

// Heartbeats returns the latest heartbeat per agent.
func (b *FileBus) Heartbeats(_ context.Context) (map[string]HeartbeatPayload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var hf heartbeatsFile
	if _, err := b.store.ReadJSON(filepath.Join(b.root, heartbeatsFileName), &hf); err != nil {
		return nil, fmt.Errorf("load heartbeats: %w", err)
	}
	if hf.Heartbeats == nil {
		return map[string]HeartbeatPayload{}, nil
	}
	return hf.Heartbeats, nil
}

// ListAgents returns every registered agent, ordered by id.
func (b *FileBus) ListAgents(_ context.Context) ([]AgentInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var af agentsFile
	if _, err := b.store.ReadJSON(filepath.Join(b.root, agentsFileName), &af); err != nil {
		return nil, fmt.Errorf("load agent registry: %w", err)
	}
	agents := make([]AgentInfo, 0, len(af.Agents))
	for _, info := range af.Agents {
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

// AllMessages returns every persisted message in send order.
func (b *FileBus) AllMessages(_ context.Context) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readMessagesLocked()
}

// Close is a no-op for the file backend.
func (b *FileBus) Close() error {
	return nil
}

func (b *FileBus) upsertHeartbeatLocked(hb HeartbeatPayload) error {
	var hf heartbeatsFile
	path := filepath.Join(b.root, heartbeatsFileName)
	if _, err := b.store.ReadJSON(path, &hf); err != nil {
		return fmt.Errorf("load heartbeats: %w", err)
	}
	if hf.Heartbeats == nil {
		hf.Heartbeats = make(map[string]HeartbeatPayload)
	}
	hf.Heartbeats[hb.AgentID] = hb
	if err := b.store.WriteJSON(path, &hf); err != nil {
		return fmt.Errorf("persist heartbeats: %w", err)
	}
	return nil
}

// readMessagesLocked decodes the full message log. A torn trailing
// record from a crash mid-append is skipped with a warning rather than
// poisoning every read.
func (b *FileBus) readMessagesLocked() ([]Message, error) {
	records, err := b.store.ReadLog(b.messagesPath())
	if err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}
	messages := make([]Message, 0, len(records))
	for i, record := range records {
		var msg Message
		if err := json.Unmarshal(record, &msg); err != nil {
			b.logger.Warn("skipping undecodable message record",
				"index", i,
				"error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// lastPersistedStampLocked returns the newest timestamp in the message
// log. Another process may have appended since this writer's last send.
func (b *FileBus) lastPersistedStampLocked() (time.Time, error) {
	all, err := b.readMessagesLocked()
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, msg := range all {
		if msg.Timestamp.After(last) {
			last = msg.Timestamp
		}
	}
	return last, nil
}

// lookupQuestionLocked resolves a question_id to its option count by
// scanning the log newest-first.
func (b *FileBus) lookupQuestionLocked(questionID string) (int, bool) {
	all, err := b.readMessagesLocked()
	if err != nil {
		b.logger.Warn("question lookup failed", "question_id", questionID, "error", err)
		return 0, false
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Type != MsgQuestion {
			continue
		}
		var q QuestionPayload
		if err := all[i].Decode(&q); err != nil {
			continue
		}
		if q.QuestionID == questionID {
			return len(q.Options), true
		}
	}
	return 0, false
}
