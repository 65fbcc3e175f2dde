// Package dialogue runs the staged per-message pipeline: preprocess the
// input, resolve an intent, execute the matching sub-pipeline, finalize the
// response and commit the turn to the conversation.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/conversation"
	"github.com/dialogd/dialogd/internal/intent"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/weather"
)

// ReplyGenerator is the reply-generation capability.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, systemPrompt string, history []model.ChatMessage, input string) (text string, tokenCost int, err error)
}

// WeatherLookup is the current-conditions capability.
type WeatherLookup interface {
	LookupWeather(ctx context.Context, location string) (*weather.Data, error)
}

// Banner issues bans on behalf of the ban command.
type Banner interface {
	BanUser(ctx context.Context, userID string, reason model.BanReason, duration *time.Duration, details string) (*model.BanRecord, error)
}

// Stage names, recorded in DialogueState.LastStage as the pipeline advances.
const (
	stageInputPreprocess  = "input_preprocess"
	stageIntentResolve    = "intent_resolve"
	stageChat             = "chat"
	stageWeather          = "weather"
	stageRolePlay         = "role_play"
	stageContextOp        = "context_op"
	stageError            = "error"
	stageResponseFinalize = "response_finalize"
	stageContextCommit    = "context_commit"
)

// Canned replies for degraded paths.
const (
	replyDefault        = "抱歉，我这边出了点问题，请稍后再试。"
	replyEmptyInput     = "你好像什么都没说呢。"
	replyNoGenerator    = "我现在没法生成回复，请稍后再试。"
	replyWeatherMissing = "想查哪里的天气？告诉我城市名就行。"
)

// Turn is the result of one pipeline run.
type Turn struct {
	Reply      string
	State      *model.DialogueState
	TokensUsed int
	Failed     bool
}

// Graph executes the pipeline. Capabilities may be nil; their sub-pipelines
// then degrade to canned replies instead of failing the turn.
type Graph struct {
	manager *conversation.Manager
	intents *intent.Classifier
	gen     ReplyGenerator
	weather WeatherLookup
	banner  Banner
	cfg     *config.Config
	log     zerolog.Logger
	nowFn   func() time.Time
}

// NewGraph wires the pipeline.
func NewGraph(m *conversation.Manager, ic *intent.Classifier, gen ReplyGenerator, wl WeatherLookup, banner Banner, cfg *config.Config, log zerolog.Logger) *Graph {
	return &Graph{
		manager: m,
		intents: ic,
		gen:     gen,
		weather: wl,
		banner:  banner,
		cfg:     cfg,
		log:     log.With().Str("component", "dialogue").Logger(),
		nowFn:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (g *Graph) WithClock(now func() time.Time) *Graph {
	g.nowFn = now
	return g
}

// Execute runs the full pipeline for one inbound message against c. Stages
// run strictly in sequence; any unrecoverable stage failure routes to the
// error stage, which produces a safe default reply. Side effects committed
// by earlier stages are not rolled back.
func (g *Graph) Execute(ctx context.Context, c *model.Context, userID, senderName, text string) *Turn {
	state := &model.DialogueState{Input: text}

	// InputPreprocess
	state.LastStage = stageInputPreprocess
	state.StepCount++
	input := strings.Join(strings.Fields(text), " ")
	if input == "" {
		state.Output = replyEmptyInput
		return &Turn{Reply: state.Output, State: state, Failed: true}
	}
	state.Input = input
	state.TokenUsage += estimateTokens(input)

	// IntentResolve
	state.LastStage = stageIntentResolve
	state.StepCount++
	res := g.intents.Classify(ctx, input, c)
	state.Intent = res.Intent
	state.Confidence = res.Confidence
	state.Entities = res.Entities

	// Sub-pipeline routing: exhaustive over the closed intent set.
	var (
		output string
		commit = true
		err    error
	)
	switch res.Intent {
	case model.IntentChat, model.IntentUnknown:
		state.LastStage = stageChat
		output, err = g.runChat(ctx, c, state, "")
	case model.IntentWeather:
		state.LastStage = stageWeather
		output, err = g.runWeather(ctx, state)
	case model.IntentRolePlay:
		state.LastStage = stageRolePlay
		output, err = g.runRolePlay(ctx, c, state)
	case model.IntentContextCreate, model.IntentContextJoin, model.IntentContextLeave, model.IntentContextEnd:
		state.LastStage = stageContextOp
		output, err = g.runContextOp(ctx, c, userID, state)
		commit = false
	case model.IntentUserBan:
		state.LastStage = stageContextOp
		output, err = g.runBan(ctx, c, userID, state)
		commit = false
	default:
		err = model.Invalid("unroutable intent %q", res.Intent)
	}
	state.StepCount++
	if err != nil {
		return g.fail(state, err)
	}

	// ResponseFinalize
	state.LastStage = stageResponseFinalize
	state.StepCount++
	output = strings.TrimSpace(output)
	if output == "" {
		output = replyDefault
	}
	if max := g.cfg.MaxReplyLength; max > 0 && utf8.RuneCountInString(output) > max {
		output = string([]rune(output)[:max-1]) + "…"
	}
	state.Output = output

	// ContextCommit
	if commit {
		state.LastStage = stageContextCommit
		state.StepCount++
		if err := g.commit(ctx, c, userID, senderName, state); err != nil {
			return g.fail(state, err)
		}
	}

	return &Turn{Reply: state.Output, State: state, TokensUsed: state.TokenUsage}
}

func (g *Graph) fail(state *model.DialogueState, err error) *Turn {
	g.log.Error().Err(err).Str("stage", state.LastStage).Str("intent", string(state.Intent)).Msg("pipeline stage failed")
	state.LastStage = stageError
	state.Output = replyDefault
	return &Turn{Reply: replyDefault, State: state, TokensUsed: state.TokenUsage, Failed: true}
}

func (g *Graph) runChat(ctx context.Context, c *model.Context, state *model.DialogueState, systemPrompt string) (string, error) {
	if g.gen == nil {
		return replyNoGenerator, nil
	}
	text, cost, err := g.gen.GenerateReply(ctx, systemPrompt, c.Messages, state.Input)
	if err != nil {
		return "", err
	}
	state.TokenUsage += cost
	return text, nil
}

func (g *Graph) runWeather(ctx context.Context, state *model.DialogueState) (string, error) {
	location := state.Entities["location"]
	if location == "" {
		location = state.Entities["arg"]
	}
	if location == "" {
		return replyWeatherMissing, nil
	}
	if g.weather == nil {
		return "", model.ErrUpstreamUnavailable
	}
	data, err := g.weather.LookupWeather(ctx, location)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Sprintf("没查到「%s」的天气，换个城市试试？", location), nil
		}
		return "", err
	}
	state.TokenUsage += estimateTokens(data.Format())
	return data.Format(), nil
}

func (g *Graph) runRolePlay(ctx context.Context, c *model.Context, state *model.DialogueState) (string, error) {
	role := state.Entities["role"]
	if role == "" {
		role = c.CurrentRole
	}
	if role == "" {
		return "想让我扮演谁？例如：扮演哈利波特", nil
	}
	state.RolePlay = true
	state.Role = role
	prompt := fmt.Sprintf("你现在扮演%s。请始终保持这个角色的设定、语气和口吻，不要跳出角色。", role)
	return g.runChat(ctx, c, state, prompt)
}

func (g *Graph) runContextOp(ctx context.Context, c *model.Context, userID string, state *model.DialogueState) (string, error) {
	arg := state.Entities["arg"]
	switch state.Intent {
	case model.IntentContextCreate:
		name := arg
		if name == "" {
			name = "新会话"
		}
		created, err := g.manager.CreateContext(ctx, model.KindMultiUser, name, userID, []string{userID})
		if err != nil {
			return "", err
		}
		if err := g.manager.SetUserContext(ctx, userID, created.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("已创建会话「%s」，ID：%s。其他人可以用 /join %s 加入。", name, created.ID, created.ID), nil

	case model.IntentContextJoin:
		if arg == "" {
			return "要加入哪个会话？用法：/join <会话ID>", nil
		}
		joined, err := g.manager.AddParticipant(ctx, arg, userID)
		if err != nil {
			switch {
			case errors.Is(err, model.ErrNotFound):
				return fmt.Sprintf("没有找到会话 %s。", arg), nil
			case errors.Is(err, model.ErrCapacityExceeded):
				return "这个会话人满了，进不去啦。", nil
			}
			return "", err
		}
		if err := g.manager.SetUserContext(ctx, userID, joined.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("已加入会话「%s」，当前 %d 人。", joined.Name, len(joined.Participants)), nil

	case model.IntentContextLeave:
		if _, err := g.manager.RemoveParticipant(ctx, c.ID, userID); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return "你不在这个会话里。", nil
			}
			return "", err
		}
		if err := g.manager.SetUserContext(ctx, userID, ""); err != nil {
			return "", err
		}
		if userID == c.CreatorID {
			return "你是会话创建者，离开后会话已结束。", nil
		}
		return "已退出会话。", nil

	case model.IntentContextEnd:
		if userID != c.CreatorID {
			return "只有会话创建者可以结束会话。", nil
		}
		if err := g.manager.Terminate(ctx, c.ID); err != nil {
			return "", err
		}
		return "会话已结束，相关记录将在保留期后清理。", nil
	}
	return "", model.Invalid("not a context operation: %q", state.Intent)
}

func (g *Graph) runBan(ctx context.Context, c *model.Context, userID string, state *model.DialogueState) (string, error) {
	target := state.Entities["arg"]
	if target == "" {
		return "要封禁谁？用法：/ban <用户ID>", nil
	}
	if userID != c.CreatorID {
		return "只有会话创建者可以封禁用户。", nil
	}
	if g.banner == nil {
		return "", model.ErrUpstreamUnavailable
	}
	if _, err := g.banner.BanUser(ctx, target, model.BanManual, nil, "banned by "+userID); err != nil {
		return "", err
	}
	return fmt.Sprintf("已封禁用户 %s。", target), nil
}

// commit appends the user and assistant messages for this turn and snapshots
// the dialogue state onto the context in one optimistic write.
func (g *Graph) commit(ctx context.Context, c *model.Context, userID, senderName string, state *model.DialogueState) error {
	now := g.nowFn().UTC()
	inCost := estimateTokens(state.Input)
	outCost := state.TokenUsage - inCost
	if outCost < 0 {
		outCost = 0
	}
	userMsg := model.ChatMessage{
		ID:         model.NewMessageID(),
		SenderID:   userID,
		SenderName: senderName,
		Role:       model.RoleUser,
		Text:       state.Input,
		Timestamp:  now,
		TokenCost:  inCost,
	}
	assistantMsg := model.ChatMessage{
		ID:        model.NewMessageID(),
		SenderID:  "assistant",
		Role:      model.RoleAssistant,
		Text:      state.Output,
		Timestamp: now,
		TokenCost: outCost,
	}
	updated, err := g.manager.UpdateContext(ctx, c.ID, func(cc *model.Context) error {
		switch cc.Status {
		case model.StatusCreated:
			cc.Status = model.StatusActive
		case model.StatusActive:
		default:
			return model.Invalid("context %s is %s and does not accept messages", cc.ID, cc.Status)
		}
		cc.AppendMessage(userMsg)
		cc.AppendMessage(assistantMsg)
		cc.State = state
		if state.RolePlay && state.Role != "" {
			cc.CurrentRole = state.Role
		}
		return nil
	})
	if err != nil {
		return err
	}
	*c = *updated
	return nil
}

// estimateTokens is a rough character-based cost for text that did not come
// with a provider-reported usage figure.
func estimateTokens(s string) int {
	return utf8.RuneCountInString(s)/2 + 1
}
