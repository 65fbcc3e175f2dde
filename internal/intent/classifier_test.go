package intent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogd/dialogd/internal/model"
	"github.com/dialogd/dialogd/internal/platform/logger"
)

func newClassifier(t *testing.T, fallback ModelClassifier) *Classifier {
	t.Helper()
	c, err := NewClassifier(DefaultRules(), fallback, logger.New("test"))
	require.NoError(t, err)
	return c
}

func TestClassifyCommands(t *testing.T) {
	c := newClassifier(t, nil)
	ctx := context.Background()

	cases := []struct {
		text   string
		intent model.Intent
		arg    string
	}{
		{"/weather 北京", model.IntentWeather, "北京"},
		{"！天气 上海", model.IntentWeather, "上海"},
		{"/create study group", model.IntentContextCreate, "study group"},
		{"/join ctx_abc", model.IntentContextJoin, "ctx_abc"},
		{"/leave", model.IntentContextLeave, ""},
		{"/end", model.IntentContextEnd, ""},
		{"/ban u99", model.IntentUserBan, "u99"},
		{"！结束", model.IntentContextEnd, ""},
	}
	for _, tc := range cases {
		res := c.Classify(ctx, tc.text, nil)
		assert.Equal(t, tc.intent, res.Intent, tc.text)
		assert.Equal(t, 1.0, res.Confidence, tc.text)
		if tc.arg != "" {
			assert.Equal(t, tc.arg, res.Entities["arg"], tc.text)
		}
	}

	res := c.Classify(ctx, "/frobnicate", nil)
	assert.Equal(t, model.IntentUnknown, res.Intent)
	assert.Zero(t, res.Confidence)
}

func TestClassifyWeatherKeyword(t *testing.T) {
	c := newClassifier(t, nil)

	res := c.Classify(context.Background(), "今天天气怎么样 北京", nil)
	assert.Equal(t, model.IntentWeather, res.Intent)
	assert.Equal(t, "北京", res.Entities["location"])
	assert.InDelta(t, 0.7, res.Confidence, 0.001)
}

func TestKeywordConfidenceScaling(t *testing.T) {
	c := newClassifier(t, nil)
	ctx := context.Background()

	// Two keyword hits add a bonus.
	res := c.Classify(ctx, "天气如何 温度多少", nil)
	assert.InDelta(t, 0.8, res.Confidence, 0.001)

	// Long messages get damped.
	long := "我想问一下今天的天气到底怎么样呢麻烦告诉我一下谢谢啦"
	res = c.Classify(ctx, long, nil)
	assert.Equal(t, model.IntentWeather, res.Intent)
	assert.InDelta(t, 0.63, res.Confidence, 0.001)
}

func TestClassifyRegexRule(t *testing.T) {
	c := newClassifier(t, nil)

	res := c.Classify(context.Background(), "帮我查一下天气", nil)
	assert.Equal(t, model.IntentWeather, res.Intent)
	// Keyword rule outranks the pattern rule by priority.
	assert.InDelta(t, 0.7, res.Confidence, 0.001)

	res = c.Classify(context.Background(), "查下明天天气", nil)
	assert.Equal(t, model.IntentWeather, res.Intent)
}

func TestClassifyRolePlay(t *testing.T) {
	c := newClassifier(t, nil)
	ctx := context.Background()

	res := c.Classify(ctx, "你来扮演哈利波特 好不好", nil)
	assert.Equal(t, model.IntentRolePlay, res.Intent)
	assert.Equal(t, "哈利波特", res.Entities["role"])

	// An active role-play context keeps plain chat in role.
	hint := &model.Context{Kind: model.KindRolePlay, CurrentRole: "哈利波特"}
	res = c.Classify(ctx, "你好呀", hint)
	assert.Equal(t, model.IntentRolePlay, res.Intent)
	assert.Equal(t, "哈利波特", res.Entities["role"])
}

type stubModel struct {
	res *model.IntentResult
	err error
}

func (s *stubModel) ClassifyViaModel(context.Context, string) (*model.IntentResult, error) {
	return s.res, s.err
}

func TestClassifyModelFallback(t *testing.T) {
	ctx := context.Background()

	c := newClassifier(t, &stubModel{res: &model.IntentResult{Intent: model.IntentWeather, Confidence: 0.6}})
	res := c.Classify(ctx, "伞要带吗", nil)
	assert.Equal(t, model.IntentWeather, res.Intent)
	assert.InDelta(t, 0.6, res.Confidence, 0.001)

	// A broken fallback degrades to the CHAT default instead of failing.
	c = newClassifier(t, &stubModel{err: errors.New("upstream down")})
	res = c.Classify(ctx, "随便聊聊", nil)
	assert.Equal(t, model.IntentChat, res.Intent)
}

func TestClassifyDefaults(t *testing.T) {
	c := newClassifier(t, nil)
	ctx := context.Background()

	res := c.Classify(ctx, "hello there", nil)
	assert.Equal(t, model.IntentChat, res.Intent)
	assert.InDelta(t, 0.5, res.Confidence, 0.001)

	res = c.Classify(ctx, "   ", nil)
	assert.Equal(t, model.IntentUnknown, res.Intent)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - intent: WEATHER
    keywords: ["forecast"]
    weight: 0.9
    priority: 10
  - intent: ROLE_PLAY
    pattern: "^pretend"
    priority: 5
`), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	c, err := NewClassifier(rules, nil, logger.New("test"))
	require.NoError(t, err)

	res := c.Classify(context.Background(), "forecast please", nil)
	assert.Equal(t, model.IntentWeather, res.Intent)
	assert.InDelta(t, 0.9, res.Confidence, 0.001)

	res = c.Classify(context.Background(), "pretend you are a pirate", nil)
	assert.Equal(t, model.IntentRolePlay, res.Intent)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: []"), 0o644))
	_, err = LoadRules(bad)
	assert.ErrorIs(t, err, model.ErrValidation)
}
