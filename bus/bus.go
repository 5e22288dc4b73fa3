package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Typed send-time errors. Callers branch on these with errors.Is.
var (
	// ErrUnknownMessageType is returned when a send names a type
	// outside the closed vocabulary.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrQuestionOptions is returned when a QUESTION violates its
	// option cardinality or lacks an id.
	ErrQuestionOptions = errors.New("invalid question")

	// ErrAnswerUnknownQuestion is returned when an ANSWER references a
	// question_id the bus has never seen.
	ErrAnswerUnknownQuestion = errors.New("answer references unknown question")

	// ErrAnswerOptionRange is returned when an ANSWER selects an
	// option index outside its question's options.
	ErrAnswerOptionRange = errors.New("answer option out of range")
)

// AgentInfo describes a registered agent.
type AgentInfo struct {
	AgentID     string    `json:"agent_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Bus is the durable store-and-forward message channel between agents.
// Two backends exist: the file bus (default) and the NATS JetStream
// bus for multi-host fleets. Semantics are identical.
type Bus interface {
	// Connect registers the agent. Idempotent.
	Connect(ctx context.Context, agentID string) error

	// Send validates and persists a message, assigning its id and
	// timestamp when absent, and returns the id. Messages are
	// immutable afterwards. HEARTBEAT messages update the heartbeat
	// table instead of the message log.
	Send(ctx context.Context, msg Message) (string, error)

	// Receive returns the messages addressed to agentID strictly newer
	// than since, in send order.
	Receive(ctx context.Context, agentID string, since time.Time) ([]Message, error)

	// Heartbeat upserts the agent's liveness record. Last write wins.
	Heartbeat(ctx context.Context, agentID, progress string) error

	// Heartbeats returns the latest heartbeat per agent.
	Heartbeats(ctx context.Context) (map[string]HeartbeatPayload, error)

	// ListAgents returns every registered agent.
	ListAgents(ctx context.Context) ([]AgentInfo, error)

	// AllMessages returns every persisted message in send order, for
	// operators and stall diagnosis.
	AllMessages(ctx context.Context) ([]Message, error)

	// Close releases backend resources.
	Close() error
}

// validateForSend applies the send-time rules shared by every backend.
// lookupOptions resolves a question_id to its option count; it returns
// false when the question is unknown.
func validateForSend(msg *Message, lookupOptions func(questionID string) (int, bool)) error {
	if !msg.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}

	switch msg.Type {
	case MsgQuestion:
		var q QuestionPayload
		if err := msg.Decode(&q); err != nil {
			return fmt.Errorf("%w: %v", ErrQuestionOptions, err)
		}
		return q.Validate()

	case MsgAnswer:
		var a AnswerPayload
		if err := msg.Decode(&a); err != nil {
			return fmt.Errorf("%w: %v", ErrAnswerUnknownQuestion, err)
		}
		count, ok := lookupOptions(a.QuestionID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrAnswerUnknownQuestion, a.QuestionID)
		}
		if a.SelectedOption < 0 || a.SelectedOption >= count {
			return fmt.Errorf("%w: question %s has %d options, selected %d",
				ErrAnswerOptionRange, a.QuestionID, count, a.SelectedOption)
		}
	}
	return nil
}
