package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// Conversation identifies the (tenant, channel, contact) triple a run belongs to.
type Conversation struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	Channel   string `json:"channel" yaml:"channel"`
	ContactID string `json:"contact_id" yaml:"contact_id"`
}

// Validate checks that every component is present.
func (c Conversation) Validate() error {
	if c.TenantID == "" || c.Channel == "" || c.ContactID == "" {
		return schema.NewError(schema.ErrCodeValidation, "conversation needs tenant, channel and contact")
	}
	return nil
}

func (c Conversation) String() string {
	return fmt.Sprintf("%s/%s/%s", c.TenantID, c.Channel, c.ContactID)
}

// WaitState describes the suspension a WAITING run is parked on.
type WaitState struct {
	Kind          schema.WaitKind `json:"kind"`
	NodeID        string          `json:"node_id"`
	Token         string          `json:"token"`
	ResumeAt      *time.Time      `json:"resume_at,omitempty"`
	OnTimeout     string          `json:"on_timeout,omitempty"`
	TimeoutTarget string          `json:"timeout_target,omitempty"`
}

// Run is the persisted execution record of one graph for one conversation.
// An empty Pointer means the run has no current node.
type Run struct {
	ID               string           `json:"id"`
	GraphID          string           `json:"graph_id"`
	Conversation     Conversation     `json:"conversation"`
	Pointer          string           `json:"pointer,omitempty"`
	Status           schema.RunStatus `json:"status"`
	Context          json.RawMessage  `json:"context"`
	InteractionCount int              `json:"interaction_count"`
	Wait             *WaitState       `json:"wait,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Clone returns a deep copy, so callers can keep a snapshot while the
// original keeps changing.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Context != nil {
		out.Context = append(json.RawMessage(nil), r.Context...)
	}
	if r.Wait != nil {
		w := *r.Wait
		if w.ResumeAt != nil {
			t := *w.ResumeAt
			w.ResumeAt = &t
		}
		out.Wait = &w
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status       schema.RunStatus
	GraphID      string
	Conversation *Conversation
	Limit        int
}

// Event is an immutable entry in a run's lifecycle log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// GraphInfo summarizes a stored graph document.
type GraphInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Version   string    `json:"version,omitempty"`
	NodeCount int       `json:"node_count"`
	UpdatedAt time.Time `json:"updated_at"`
}
