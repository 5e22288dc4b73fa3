// Package bus is the durable store-and-forward message bus agents use
// to coordinate. The vocabulary of message types is closed: unknown
// types are refused at send, never discovered downstream.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the payload type of a bus message.
type MessageType string

const (
	// MsgProposalReady announces a proposal artifact for conversion.
	MsgProposalReady MessageType = "PROPOSAL_READY"
	// MsgReviewNeeded asks a reviewer role to pick up a task.
	MsgReviewNeeded MessageType = "REVIEW_NEEDED"
	// MsgStopTask cancels the named task's pipeline.
	MsgStopTask MessageType = "STOP_TASK"
	// MsgQuestion asks a bounded multiple-choice question.
	MsgQuestion MessageType = "QUESTION"
	// MsgAnswer answers a question by option index.
	MsgAnswer MessageType = "ANSWER"
	// MsgVerdictSignal carries a judge verdict.
	MsgVerdictSignal MessageType = "VERDICT_SIGNAL"
	// MsgHeartbeat reports liveness; only the latest per agent is kept.
	MsgHeartbeat MessageType = "HEARTBEAT"
	// MsgDraftReady announces a sandbox submission for gating.
	MsgDraftReady MessageType = "DRAFT_READY"
	// MsgDraftAccepted reports a gate accept back to the worker.
	MsgDraftAccepted MessageType = "DRAFT_ACCEPTED"
	// MsgDraftRejected reports a gate reject back to the worker.
	MsgDraftRejected MessageType = "DRAFT_REJECTED"
	// MsgDraftEscalated reports a gate escalation to the super-manager.
	MsgDraftEscalated MessageType = "DRAFT_ESCALATED"
)

// ValidMessageTypes is the closed vocabulary.
var ValidMessageTypes = []MessageType{
	MsgProposalReady,
	MsgReviewNeeded,
	MsgStopTask,
	MsgQuestion,
	MsgAnswer,
	MsgVerdictSignal,
	MsgHeartbeat,
	MsgDraftReady,
	MsgDraftAccepted,
	MsgDraftRejected,
	MsgDraftEscalated,
}

// String returns the string representation of the message type.
func (t MessageType) String() string {
	return string(t)
}

// IsValid returns true if the type is a member of the closed set.
func (t MessageType) IsValid() bool {
	switch t {
	case MsgProposalReady, MsgReviewNeeded, MsgStopTask, MsgQuestion,
		MsgAnswer, MsgVerdictSignal, MsgHeartbeat, MsgDraftReady,
		MsgDraftAccepted, MsgDraftRejected, MsgDraftEscalated:
		return true
	default:
		return false
	}
}

// Message is the envelope for all inter-agent communication. Messages
// are immutable after send.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds an envelope around a payload struct. ID and
// timestamp are assigned at send when left empty.
func NewMessage(msgType MessageType, from, to string, payload any) (Message, error) {
	msg := Message{Type: msgType, From: from, To: to}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Question option cardinality bounds. Open-ended questions are not
// representable.
const (
	MinQuestionOptions = 2
	MaxQuestionOptions = 4
)

// QuestionPayload is a bounded multiple-choice question.
type QuestionPayload struct {
	// QuestionID correlates the eventual answer.
	QuestionID string `json:"question_id"`

	// TaskID is the task the question concerns, when any.
	TaskID string `json:"task_id,omitempty"`

	// Text is the question itself.
	Text string `json:"text,omitempty"`

	// Options are the selectable answers, 2 to 4 of them.
	Options []string `json:"options"`
}

// Validate checks the question's structural rules.
func (p *QuestionPayload) Validate() error {
	if p.QuestionID == "" {
		return fmt.Errorf("%w: question_id is required", ErrQuestionOptions)
	}
	if len(p.Options) < MinQuestionOptions || len(p.Options) > MaxQuestionOptions {
		return fmt.Errorf("%w: got %d options, need %d to %d",
			ErrQuestionOptions, len(p.Options), MinQuestionOptions, MaxQuestionOptions)
	}
	return nil
}

// AnswerPayload selects one option of a previously sent question.
type AnswerPayload struct {
	// QuestionID references the question being answered.
	QuestionID string `json:"question_id"`

	// SelectedOption is the zero-based index into the question's
	// options. Bounds-checked at send.
	SelectedOption int `json:"selected_option"`
}

// HeartbeatPayload reports an agent's liveness and progress.
type HeartbeatPayload struct {
	AgentID   string    `json:"agent_id"`
	Progress  string    `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// ProposalReadyPayload announces a proposal artifact.
type ProposalReadyPayload struct {
	// ProposalPath locates the proposal document.
	ProposalPath string `json:"proposal_path"`
}

// ReviewNeededPayload asks a reviewer to pick up a task.
type ReviewNeededPayload struct {
	TaskID string `json:"task_id"`

	// Phase is "local" or "judge".
	Phase string `json:"phase"`
}

// StopTaskPayload cancels a task's pipeline.
type StopTaskPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// VerdictSignalPayload carries a judge ruling.
type VerdictSignalPayload struct {
	TaskID string `json:"task_id"`

	// Verdict is PASS, CONDITIONAL, FAIL or CRITICAL_HALT.
	Verdict string `json:"verdict"`

	// ReportPath locates the full judge report artifact.
	ReportPath string `json:"report_path,omitempty"`

	// BlockingIssues lists merge-blocking findings.
	BlockingIssues []string `json:"blocking_issues,omitempty"`

	// Suggestions lists non-blocking findings.
	Suggestions []string `json:"suggestions,omitempty"`

	// TokensUsed is the judge's spend for cost accounting.
	TokensUsed int64 `json:"tokens_used,omitempty"`

	// ContentHash identifies the reviewed content, for loop detection.
	ContentHash string `json:"content_hash,omitempty"`
}

// DraftReadyPayload announces a sandbox submission for gating.
type DraftReadyPayload struct {
	TaskID string `json:"task_id"`

	// SubmissionPath locates the submission record in the sandbox.
	SubmissionPath string `json:"submission_path,omitempty"`
}

// DraftDecisionPayload reports a gate outcome to the interested agent.
type DraftDecisionPayload struct {
	TaskID string `json:"task_id"`

	// Decision is ACCEPT, REJECT or ESCALATE.
	Decision string `json:"decision"`

	// Reason explains the decision.
	Reason string `json:"reason"`
}
