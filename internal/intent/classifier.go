// Package intent maps raw message text to an intent label with a confidence
// score and best-effort extracted entities. Resolution order: command prefix,
// then the ordered rule table, then the optional model fallback, then UNKNOWN.
package intent

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/dialogd/dialogd/internal/model"
)

// ModelClassifier is the external fallback capability, consulted only when
// no command or rule matches.
type ModelClassifier interface {
	ClassifyViaModel(ctx context.Context, text string) (*model.IntentResult, error)
}

// commandPrefixes are the accepted leading markers for explicit commands.
// The full-width form shows up from mobile IMEs.
var commandPrefixes = []string{"/", "！"}

// commands maps the first token of a prefixed message to an intent. Exact
// command matches carry full confidence.
var commands = map[string]model.Intent{
	"chat":    model.IntentChat,
	"weather": model.IntentWeather,
	"天气":      model.IntentWeather,
	"rp":      model.IntentRolePlay,
	"角色扮演":    model.IntentRolePlay,
	"create":  model.IntentContextCreate,
	"创建":      model.IntentContextCreate,
	"join":    model.IntentContextJoin,
	"加入":      model.IntentContextJoin,
	"leave":   model.IntentContextLeave,
	"退出":      model.IntentContextLeave,
	"end":     model.IntentContextEnd,
	"结束":      model.IntentContextEnd,
	"ban":     model.IntentUserBan,
	"封禁":      model.IntentUserBan,
}

// Classifier resolves message intents. Rules are loaded once at construction
// and evaluated in priority order, first match wins.
type Classifier struct {
	rules    []Rule
	fallback ModelClassifier
	log      zerolog.Logger
}

// NewClassifier compiles the rule table. fallback may be nil.
func NewClassifier(rules []Rule, fallback ModelClassifier, log zerolog.Logger) (*Classifier, error) {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, model.Invalid("rule %q: bad pattern: %v", r.Intent, err)
			}
			r.re = re
		}
		if r.Weight <= 0 {
			r.Weight = defaultKeywordWeight
		}
		compiled = append(compiled, r)
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority > compiled[j].Priority })
	return &Classifier{
		rules:    compiled,
		fallback: fallback,
		log:      log.With().Str("component", "intent").Logger(),
	}, nil
}

const (
	defaultKeywordWeight = 0.7
	regexConfidence      = 0.85
	// Long messages dilute keyword signal.
	longMessageRunes   = 20
	longMessagePenalty = 0.9
)

// Classify labels text. hint, when present, biases ambiguous messages: an
// active role-play context keeps plain chat in ROLE_PLAY.
func (c *Classifier) Classify(ctx context.Context, text string, hint *model.Context) *model.IntentResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return &model.IntentResult{Intent: model.IntentUnknown, Confidence: 0}
	}

	if res := classifyCommand(text); res != nil {
		return res
	}

	for _, r := range c.rules {
		if res := r.match(text); res != nil {
			res.Entities = mergeEntities(res.Entities, extractEntities(res.Intent, text))
			return res
		}
	}

	if hint != nil && hint.Kind == model.KindRolePlay && hint.CurrentRole != "" {
		return &model.IntentResult{
			Intent:     model.IntentRolePlay,
			Confidence: defaultKeywordWeight,
			Entities:   map[string]string{"role": hint.CurrentRole},
			Reasoning:  "active role-play context",
		}
	}

	if c.fallback != nil {
		res, err := c.fallback.ClassifyViaModel(ctx, text)
		if err == nil && res != nil && res.Intent != "" {
			return res
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("model fallback failed")
		}
	}

	// Plain conversational text defaults to CHAT rather than UNKNOWN; only
	// unparseable command-looking input stays UNKNOWN.
	return &model.IntentResult{Intent: model.IntentChat, Confidence: 0.5, Reasoning: "default"}
}

func classifyCommand(text string) *model.IntentResult {
	for _, p := range commandPrefixes {
		if !strings.HasPrefix(text, p) {
			continue
		}
		rest := strings.TrimPrefix(text, p)
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return &model.IntentResult{Intent: model.IntentUnknown, Confidence: 0, Reasoning: "bare command prefix"}
		}
		word := strings.ToLower(fields[0])
		in, ok := commands[word]
		if !ok {
			return &model.IntentResult{Intent: model.IntentUnknown, Confidence: 0, Reasoning: "unknown command " + word}
		}
		ents := map[string]string{"command": word}
		if len(fields) > 1 {
			ents["arg"] = strings.Join(fields[1:], " ")
		}
		ents = mergeEntities(ents, extractEntities(in, rest))
		return &model.IntentResult{Intent: in, Confidence: 1.0, Entities: ents, Reasoning: "command"}
	}
	return nil
}

// match applies one rule. Keyword confidence starts at the rule weight,
// gains 0.1 per extra keyword hit (at most +0.2) and is damped for long
// messages; regex matches score a flat confidence.
func (r *Rule) match(text string) *model.IntentResult {
	if len(r.Keywords) > 0 {
		hits := 0
		for _, kw := range r.Keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > 0 {
			bonus := float64(hits-1) * 0.1
			if bonus > 0.2 {
				bonus = 0.2
			}
			conf := r.Weight + bonus
			if utf8.RuneCountInString(text) >= longMessageRunes {
				conf *= longMessagePenalty
			}
			if conf > 1.0 {
				conf = 1.0
			}
			return &model.IntentResult{Intent: r.Intent, Confidence: conf, Reasoning: "keyword"}
		}
	}
	if r.re != nil && r.re.MatchString(text) {
		return &model.IntentResult{Intent: r.Intent, Confidence: regexConfidence, Reasoning: "pattern"}
	}
	return nil
}

func mergeEntities(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}
