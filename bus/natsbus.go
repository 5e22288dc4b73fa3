package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream resources behind the NATS backend.
const (
	StreamMessages   = "SEMFLOOR_MESSAGES"
	SubjectPrefix    = "semfloor.msg."
	BucketAgents     = "SEMFLOOR_AGENTS"
	BucketHeartbeats = "SEMFLOOR_HEARTBEATS"
	BucketQuestions  = "SEMFLOOR_QUESTIONS"
)

// natsFetchBatch is the page size when draining a consumer.
const natsFetchBatch = 256

// NatsBus is the JetStream-backed bus for fleets whose agents run on
// different hosts. One subject per recipient carries the message log;
// agent registry, heartbeats, and question option counts live in KV
// buckets so validation and last-write-wins behave exactly like the
// file backend.
type NatsBus struct {
	mu     sync.Mutex
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger

	agents     jetstream.KeyValue
	heartbeats jetstream.KeyValue
	questions  jetstream.KeyValue

	lastStamp time.Time
}

// NewNatsBus connects to the NATS server at url and provisions the
// stream and buckets when missing.
func NewNatsBus(ctx context.Context, url string, logger *slog.Logger) (*NatsBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := getOrCreateStream(ctx, js)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create message stream: %w", err)
	}

	agents, err := getOrCreateBucket(ctx, js, BucketAgents)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create agents bucket: %w", err)
	}
	heartbeats, err := getOrCreateBucket(ctx, js, BucketHeartbeats)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create heartbeats bucket: %w", err)
	}
	questions, err := getOrCreateBucket(ctx, js, BucketQuestions)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create questions bucket: %w", err)
	}

	return &NatsBus{
		conn:       conn,
		js:         js,
		stream:     stream,
		logger:     logger,
		agents:     agents,
		heartbeats: heartbeats,
		questions:  questions,
	}, nil
}

func getOrCreateStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, StreamMessages)
	if err == nil {
		return stream, nil
	}
	return js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamMessages,
		Description: "Semfloor agent messages",
		Subjects:    []string{SubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		// Dedup window backing exactly-once sends keyed by message id.
		Duplicates: 2 * time.Minute,
	})
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semfloor %s table", strings.ToLower(name)),
		History:     1,
	})
}

// Connect registers the agent. Idempotent.
func (b *NatsBus) Connect(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("connect: agent id is required")
	}
	data, err := json.Marshal(AgentInfo{AgentID: agentID, ConnectedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal agent info: %w", err)
	}
	if _, err := b.agents.Create(ctx, agentID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil
		}
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

// Send validates the message, publishes it with its id as the dedup
// key, and records question option counts for later answer checks.
// HEARTBEAT messages go to the heartbeat bucket instead.
func (b *NatsBus) Send(ctx context.Context, msg Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := validateForSend(&msg, func(questionID string) (int, bool) {
		return b.lookupQuestion(ctx, questionID)
	}); err != nil {
		return "", err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if !msg.Timestamp.After(b.lastStamp) {
		msg.Timestamp = b.lastStamp.Add(time.Nanosecond)
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
		data, err := json.Marshal(&hb)
		if err != nil {
			return "", fmt.Errorf("marshal heartbeat: %w", err)
		}
		if _, err := b.heartbeats.Put(ctx, hb.AgentID, data); err != nil {
			return "", fmt.Errorf("store heartbeat: %w", err)
		}
		return msg.ID, nil
	}

	// Receive-since filters per recipient subject, so the stamp only
	// has to beat the subject's newest message. That closes the gap
	// where another publisher (the CLI beside the daemon) minted an
	// equal timestamp.
	subject := SubjectPrefix + msg.To
	if raw, err := b.stream.GetLastMsgForSubject(ctx, subject); err == nil {
		var prev Message
		if uerr := json.Unmarshal(raw.Data, &prev); uerr == nil && !msg.Timestamp.After(prev.Timestamp) {
			msg.Timestamp = prev.Timestamp.Add(time.Nanosecond)
			if msg.Timestamp.After(b.lastStamp) {
				b.lastStamp = msg.Timestamp
			}
		}
	}

	data, err := json.Marshal(&msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID)); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}

	if msg.Type == MsgQuestion {
		if err := b.recordQuestion(ctx, msg); err != nil {
			return "", err
		}
	}
	return msg.ID, nil
}

func (b *NatsBus) recordQuestion(ctx context.Context, msg Message) error {
	var q QuestionPayload
	if err := msg.Decode(&q); err != nil {
		return err
	}
	data, err := json.Marshal(&q)
	if err != nil {
		return fmt.Errorf("marshal question: %w", err)
	}
	if _, err := b.questions.Put(ctx, q.QuestionID, data); err != nil {
		return fmt.Errorf("store question: %w", err)
	}
	return nil
}

func (b *NatsBus) lookupQuestion(ctx context.Context, questionID string) (int, bool) {
	entry, err := b.questions.Get(ctx, questionID)
	if err != nil {
		return 0, false
	}
	var q QuestionPayload
	if err := json.Unmarshal(entry.Value(), &q); err != nil {
		return 0, false
	}
	return len(q.Options), true
}

// Receive returns messages addressed to agentID strictly newer than
// since, in publish order.
func (b *NatsBus) Receive(ctx context.Context, agentID string, since time.Time) ([]Message, error) {
	all, err := b.drain(ctx, []string{SubjectPrefix + agentID})
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
func (b *NatsBus) Heartbeat(ctx context.Context, agentID, progress string) error {
	hb := HeartbeatPayload{AgentID: agentID, Progress: progress, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(&hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if _, err := b.heartbeats.Put(ctx, agentID, data); err != nil {
		return fmt.Errorf("store heartbeat: %w", err)
	}
	return nil
}

// Heartbeats returns the latest heartbeat per agent.
func (b *NatsBus) Heartbeats(ctx context.Context) (map[string]HeartbeatPayload, error) {
	keys, err := b.heartbeats.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return map[string]HeartbeatPayload{}, nil
		}
		return nil, fmt.Errorf("list heartbeat keys: %w", err)
	}
	out := make(map[string]HeartbeatPayload, len(keys))
	for _, key := range keys {
		entry, err := b.heartbeats.Get(ctx, key)
		if err != nil {
			continue
		}
		var hb HeartbeatPayload
		if err := json.Unmarshal(entry.Value(), &hb); err != nil {
			continue
		}
		out[key] = hb
	}
	return out, nil
}

// ListAgents returns every registered agent, ordered by id.
func (b *NatsBus) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	keys, err := b.agents.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agent keys: %w", err)
	}
	agents := make([]AgentInfo, 0, len(keys))
	for _, key := range keys {
		entry, err := b.agents.Get(ctx, key)
		if err != nil {
			continue
		}
		var info AgentInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			continue
		}
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

// AllMessages returns every persisted message in publish order.
func (b *NatsBus) AllMessages(ctx context.Context) ([]Message, error) {
	return b.drain(ctx, nil)
}

// Close drains and closes the connection.
func (b *NatsBus) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	b.conn.Close()
	return nil
}

// drain reads the stream through an ephemeral ordered consumer,
// optionally filtered by subject, until no messages remain.
func (b *NatsBus) drain(ctx context.Context, filterSubjects []string) ([]Message, error) {
	cons, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: filterSubjects,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	var out []Message
	for {
		batch, err := cons.FetchNoWait(natsFetchBatch)
		if err != nil {
			return nil, fmt.Errorf("fetch messages: %w", err)
		}
		n := 0
		for m := range batch.Messages() {
			n++
			var msg Message
			if err := json.Unmarshal(m.Data(), &msg); err != nil {
				b.logger.Warn("skipping undecodable message", "error", err)
				continue
			}
			out = append(out, msg)
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("fetch messages: %w", err)
		}
		if n == 0 {
			return out, nil
		}
	}
}
