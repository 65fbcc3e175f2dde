// Package router is the single entry point for inbound messages. It runs
// the ban and quota gates, resolves the applicable context, hands the turn
// to the dialogue pipeline and settles quota and abuse bookkeeping. No
// per-message failure escapes as an error: every path ends in a Reply.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/abuse"
	"github.com/dialogd/dialogd/internal/config"
	"github.com/dialogd/dialogd/internal/conversation"
	"github.com/dialogd/dialogd/internal/dialogue"
	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/quota"
)

// Hint carries transport-level context for one message. A zero Hint means a
// private conversation.
type Hint struct {
	GroupID      string
	GroupName    string
	SenderName   string
	Participants []string
}

// User-facing notices for gated turns.
const (
	noticeBannedPermanent = "你已被封禁，无法继续使用。"
	noticeQuotaMinute     = "说话太快啦，休息一分钟再来吧。"
	noticeQuotaDaily      = "今天的额度用完了，明天再来吧。"
	noticeQuotaTotal      = "你的总额度已用完，请联系管理员增加额度。"
	noticeInternal        = "抱歉，我这边出了点问题，请稍后再试。"
)

// Router wires the gates and the pipeline together.
type Router struct {
	guard   *abuse.Guard
	ledger  *quota.Ledger
	manager *conversation.Manager
	graph   *dialogue.Graph
	cfg     *config.Config
	log     zerolog.Logger
	nowFn   func() time.Time
}

// New builds a Router.
func New(g *abuse.Guard, l *quota.Ledger, m *conversation.Manager, d *dialogue.Graph, cfg *config.Config, log zerolog.Logger) *Router {
	return &Router{
		guard:   g,
		ledger:  l,
		manager: m,
		graph:   d,
		cfg:     cfg,
		log:     log.With().Str("component", "router").Logger(),
		nowFn:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.nowFn = now
	return r
}

// HandleMessage processes one inbound message end to end and always returns
// a Reply. Gate checks that error out fail open: an unreachable ledger must
// not silence the bot.
func (r *Router) HandleMessage(ctx context.Context, userID string, hint Hint, rawText string) *model.Reply {
	started := r.nowFn()
	reply := r.handle(ctx, userID, hint, rawText)
	reply.ElapsedMS = r.nowFn().Sub(started).Milliseconds()
	r.log.Info().
		Str("user_id", userID).
		Str("outcome", string(reply.Outcome)).
		Int("tokens", reply.TokensUsed).
		Int64("elapsed_ms", reply.ElapsedMS).
		Msg("message handled")
	return reply
}

func (r *Router) handle(ctx context.Context, userID string, hint Hint, rawText string) *model.Reply {
	if userID == "" {
		return &model.Reply{Text: noticeInternal, Outcome: model.OutcomeError}
	}
	if _, err := r.manager.EnsureUser(ctx, userID, hint.SenderName); err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("user bookkeeping failed")
		return &model.Reply{Text: noticeInternal, Outcome: model.OutcomeError}
	}

	// Gate 1: bans.
	if st, err := r.guard.CheckStatus(ctx, userID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("ban check failed, failing open")
	} else if st.Banned {
		return &model.Reply{Text: banNotice(st), Outcome: model.OutcomeBanned}
	}

	// Gate 2: quotas, cheapest first.
	if ok, err := r.ledger.CheckMinuteLimit(ctx, userID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("minute check failed, failing open")
	} else if !ok {
		return &model.Reply{Text: noticeQuotaMinute, Outcome: model.OutcomeQuotaExceeded}
	}
	if ok, err := r.ledger.CheckDailyLimit(ctx, userID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("daily check failed, failing open")
	} else if !ok {
		return &model.Reply{Text: noticeQuotaDaily, Outcome: model.OutcomeQuotaExceeded}
	}
	if ok, err := r.ledger.CheckQuota(ctx, userID, estimateCost(rawText)); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("quota check failed, failing open")
	} else if !ok {
		return &model.Reply{Text: noticeQuotaTotal, Outcome: model.OutcomeQuotaExceeded}
	}

	// Resolve the applicable context.
	c, err := r.resolveContext(ctx, userID, hint)
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("context resolution failed")
		return &model.Reply{Text: noticeInternal, Outcome: model.OutcomeError}
	}

	turn := r.graph.Execute(ctx, c, userID, hint.SenderName, rawText)

	// Settle quota with the turn's actual cost. Losing the reconciliation
	// is logged, not surfaced: the reply is already generated.
	if turn.TokensUsed > 0 {
		if err := r.ledger.Consume(ctx, userID, turn.TokensUsed); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Int("cost", turn.TokensUsed).Msg("quota settle failed")
		}
	}

	// Feed the detectors after the turn; a fresh ban applies from the next
	// message on.
	r.guard.RecordActivity(userID, abuse.Activity{At: r.nowFn(), Tokens: turn.TokensUsed, Text: rawText})
	if reason, err := r.guard.DetectAbuse(ctx, userID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("abuse detection failed")
	} else if reason != "" {
		r.log.Warn().Str("user_id", userID).Str("reason", string(reason)).Msg("abuse rule triggered")
	}

	outcome := model.OutcomeOK
	if turn.Failed {
		outcome = model.OutcomeError
	}
	return &model.Reply{Text: turn.Reply, Outcome: outcome, TokensUsed: turn.TokensUsed}
}

// resolveContext picks the context a message belongs to. Group messages map
// to the context bound to the transport group, created on first sight;
// private messages use the user's current context, created on demand.
func (r *Router) resolveContext(ctx context.Context, userID string, hint Hint) (*model.Context, error) {
	if hint.GroupID != "" {
		c, err := r.manager.GetGroupContext(ctx, hint.GroupID)
		if err == nil {
			if !c.HasParticipant(userID) {
				return r.manager.AddParticipant(ctx, c.ID, userID)
			}
			return c, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		name := hint.GroupName
		if name == "" {
			name = hint.GroupID
		}
		participants := hint.Participants
		if len(participants) == 0 {
			participants = []string{userID}
		}
		return r.manager.CreateGroupContext(ctx, hint.GroupID, name, userID, participants)
	}

	c, err := r.manager.GetUserContext(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	c, err = r.manager.CreateContext(ctx, model.KindPrivate, "", userID, []string{userID})
	if err != nil {
		return nil, err
	}
	if err := r.manager.SetUserContext(ctx, userID, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func banNotice(st *abuse.Status) string {
	if st.RemainingSeconds == nil {
		return noticeBannedPermanent
	}
	mins := *st.RemainingSeconds / 60
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("你已被临时封禁（%s），约 %d 分钟后解除。", banReasonText(st.Reason), mins)
}

func banReasonText(r model.BanReason) string {
	switch r {
	case model.BanFlood:
		return "发送过于频繁"
	case model.BanResourceAbuse:
		return "资源滥用"
	case model.BanSpam:
		return "刷屏"
	case model.BanRepetition:
		return "重复内容"
	default:
		return "违规行为"
	}
}

// estimateCost is the pre-check cost guess for a message; the turn settles
// with the actual figure afterwards.
func estimateCost(text string) int {
	return utf8.RuneCountInString(text)/2 + 1
}
