package model

import (
	"strings"
	"time"
)

// ContextKind classifies a conversation.
type ContextKind string

const (
	KindPrivate   ContextKind = "PRIVATE"
	KindGroup     ContextKind = "GROUP"
	KindMultiUser ContextKind = "MULTI_USER"
	KindRolePlay  ContextKind = "ROLE_PLAY"
)

// ContextStatus is the lifecycle state of a conversation.
//
// Transitions: CREATED → ACTIVE ↔ PAUSED → EXPIRED → ARCHIVED → DELETED.
// CREATED/ACTIVE/PAUSED may also go straight to DELETED on explicit
// termination. DELETED is terminal.
type ContextStatus string

const (
	StatusCreated  ContextStatus = "CREATED"
	StatusActive   ContextStatus = "ACTIVE"
	StatusPaused   ContextStatus = "PAUSED"
	StatusExpired  ContextStatus = "EXPIRED"
	StatusArchived ContextStatus = "ARCHIVED"
	StatusDeleted  ContextStatus = "DELETED"
)

// CanTransition reports whether moving from s to next follows a defined edge.
func (s ContextStatus) CanTransition(next ContextStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusActive || next == StatusDeleted || next == StatusExpired
	case StatusActive:
		return next == StatusPaused || next == StatusExpired || next == StatusDeleted
	case StatusPaused:
		return next == StatusActive || next == StatusExpired || next == StatusDeleted
	case StatusExpired:
		return next == StatusArchived || next == StatusDeleted
	case StatusArchived:
		return next == StatusDeleted
	default:
		return false
	}
}

// MessageRole identifies who produced a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ChatMessage is one message in a conversation history. Immutable once
// appended to a Context.
type ChatMessage struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Role       MessageRole `json:"role"`
	Text       string      `json:"text"`
	Timestamp  time.Time   `json:"timestamp"`
	TokenCost  int         `json:"tokenCost,omitempty"`
}

// DialogueState is the per-turn working state threaded through the dialogue
// pipeline. It is rebuilt from the context and the new input on every turn;
// only the final snapshot is embedded into the Context.
type DialogueState struct {
	Input      string            `json:"input"`
	Output     string            `json:"output"`
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
	RolePlay   bool              `json:"rolePlay,omitempty"`
	Role       string            `json:"role,omitempty"`
	StepCount  int               `json:"stepCount"`
	TokenUsage int               `json:"tokenUsage"`
	LastStage  string            `json:"lastStage,omitempty"`
}

// Context is a tracked conversation with bounded history and lifecycle state.
type Context struct {
	ID           string            `json:"id"`
	Kind         ContextKind       `json:"kind"`
	Name         string            `json:"name,omitempty"`
	CreatorID    string            `json:"creatorId"`
	Participants []string          `json:"participants"`
	Messages     []ChatMessage     `json:"messages"`
	MaxMessages  int               `json:"maxMessages"`
	Status       ContextStatus     `json:"status"`
	State        *DialogueState    `json:"state,omitempty"`
	CurrentRole  string            `json:"currentRole,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
}

// HasParticipant reports whether userID is a participant.
func (c *Context) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// AppendMessage appends m and evicts the oldest messages when the configured
// cap is exceeded. Eviction is FIFO and is not an error.
func (c *Context) AppendMessage(m ChatMessage) {
	c.Messages = append(c.Messages, m)
	if c.MaxMessages > 0 && len(c.Messages) > c.MaxMessages {
		c.Messages = c.Messages[len(c.Messages)-c.MaxMessages:]
	}
}

// ExpiredAt reports whether the context's TTL has elapsed at t.
func (c *Context) ExpiredAt(t time.Time) bool {
	return c.ExpiresAt != nil && t.After(*c.ExpiresAt)
}

// User is an account known to the system. CurrentContextID is a weak
// reference: the context's lifecycle is independent of the user record.
type User struct {
	ID               string            `json:"id"`
	Nickname         string            `json:"nickname,omitempty"`
	Active           bool              `json:"active"`
	Banned           bool              `json:"banned"`
	CurrentContextID string            `json:"currentContextId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	LastActive       time.Time         `json:"lastActive"`
}

// TokenQuota tracks a user's generation budget at total, daily and
// per-minute granularity. The minute window is tumbling: MinuteCount applies
// to the window starting at MinuteWindowStart and resets when a full window
// has elapsed.
type TokenQuota struct {
	UserID            string    `json:"userId"`
	TotalQuota        int       `json:"totalQuota"`
	Used              int       `json:"used"`
	DailyLimit        int       `json:"dailyLimit"`
	DailyUsed         int       `json:"dailyUsed"`
	DailyReset        time.Time `json:"dailyReset"`
	MinuteLimit       int       `json:"minuteLimit"`
	MinuteCount       int       `json:"minuteCount"`
	MinuteWindowStart time.Time `json:"minuteWindowStart"`
}

// Remaining is the unconsumed share of the total quota.
func (q *TokenQuota) Remaining() int {
	if q.Used >= q.TotalQuota {
		return 0
	}
	return q.TotalQuota - q.Used
}

// DailyRemaining is the unconsumed share of today's quota.
func (q *TokenQuota) DailyRemaining() int {
	if q.DailyUsed >= q.DailyLimit {
		return 0
	}
	return q.DailyLimit - q.DailyUsed
}

// BanReason classifies why a ban was issued.
type BanReason string

const (
	BanFlood         BanReason = "flood"
	BanResourceAbuse BanReason = "resource_abuse"
	BanSpam          BanReason = "spam"
	BanRepetition    BanReason = "repetition"
	BanManual        BanReason = "manual"
)

// BanRecord is one ban issued against a user. ExpiresAt == nil means
// permanent. Lifting a ban clears Active; the record is kept for audit.
type BanRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Reason    BanReason  `json:"reason"`
	Details   string     `json:"details,omitempty"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Active    bool       `json:"active"`
}

// InEffect reports whether the ban still applies at t.
func (b *BanRecord) InEffect(t time.Time) bool {
	if !b.Active {
		return false
	}
	if b.ExpiresAt == nil {
		return true
	}
	return t.Before(*b.ExpiresAt)
}

// RemainingSeconds returns the seconds left on the ban at t. nil means
// permanent; 0 means already elapsed.
func (b *BanRecord) RemainingSeconds(t time.Time) *int {
	if b.ExpiresAt == nil {
		return nil
	}
	rem := int(b.ExpiresAt.Sub(t).Seconds())
	if rem < 0 {
		rem = 0
	}
	return &rem
}

// Intent is the classified purpose of a message. The set is closed: routing
// switches over it exhaustively.
type Intent string

const (
	IntentChat          Intent = "CHAT"
	IntentWeather       Intent = "WEATHER"
	IntentRolePlay      Intent = "ROLE_PLAY"
	IntentContextCreate Intent = "CONTEXT_CREATE"
	IntentContextJoin   Intent = "CONTEXT_JOIN"
	IntentContextLeave  Intent = "CONTEXT_LEAVE"
	IntentContextEnd    Intent = "CONTEXT_END"
	IntentUserBan       Intent = "USER_BAN"
	IntentUnknown       Intent = "UNKNOWN"
)

// IntentResult is the outcome of classifying one message.
type IntentResult struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// Outcome tags the result of one handled message.
type Outcome string

const (
	OutcomeOK            Outcome = "OK"
	OutcomeBanned        Outcome = "BANNED"
	OutcomeQuotaExceeded Outcome = "QUOTA_EXCEEDED"
	OutcomeError         Outcome = "ERROR"
)

// Reply is what the transport layer hands back to the user for one turn.
type Reply struct {
	Text       string  `json:"text"`
	Outcome    Outcome `json:"outcome"`
	TokensUsed int     `json:"tokensUsed,omitempty"`
	ElapsedMS  int64   `json:"elapsedMs,omitempty"`
}

// NewContext validates and builds a conversation. The creator is always a
// participant; participant order is preserved and duplicates collapse.
func NewContext(id string, kind ContextKind, name, creatorID string, participants []string, maxMessages, maxParticipants int, now time.Time, ttl time.Duration) (*Context, error) {
	if id == "" || creatorID == "" {
		return nil, Invalid("context id and creator id are required")
	}
	switch kind {
	case KindPrivate, KindGroup, KindMultiUser, KindRolePlay:
	default:
		return nil, Invalid("unknown context kind %q", kind)
	}
	if len(participants) == 0 {
		return nil, Invalid("a context needs at least one participant")
	}
	seen := make(map[string]struct{}, len(participants)+1)
	uniq := make([]string, 0, len(participants)+1)
	for _, p := range append([]string{creatorID}, participants...) {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, Invalid("participant id must not be empty")
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}
	if maxParticipants > 0 && len(uniq) > maxParticipants {
		return nil, CapacityExceeded("context allows at most %d participants", maxParticipants)
	}
	c := &Context{
		ID:           id,
		Kind:         kind,
		Name:         name,
		CreatorID:    creatorID,
		Participants: uniq,
		MaxMessages:  maxMessages,
		Status:       StatusCreated,
		Metadata:     map[string]string{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		c.ExpiresAt = &exp
	}
	return c, nil
}
