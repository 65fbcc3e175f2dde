package intent

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dialogd/dialogd/internal/model"
)

// Rule is one keyword/regex classification rule. Higher Priority evaluates
// first; within equal priority, file order is preserved.
type Rule struct {
	Intent   model.Intent `yaml:"intent"`
	Keywords []string     `yaml:"keywords,omitempty"`
	Pattern  string       `yaml:"pattern,omitempty"`
	Weight   float64      `yaml:"weight,omitempty"`
	Priority int          `yaml:"priority,omitempty"`

	re *regexp.Regexp
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule table. The file replaces the built-in table
// entirely; it does not extend it.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse intent rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, model.Invalid("intent rules file %s has no rules", path)
	}
	return f.Rules, nil
}

// DefaultRules is the built-in rule table used when no rules file is
// configured.
func DefaultRules() []Rule {
	return []Rule{
		{Intent: model.IntentWeather, Keywords: []string{"天气", "气温", "下雨", "下雪", "温度", "weather"}, Weight: 0.7, Priority: 10},
		{Intent: model.IntentWeather, Pattern: `(?i)(查|报|看).{0,6}天气`, Priority: 9},
		{Intent: model.IntentRolePlay, Keywords: []string{"扮演", "角色扮演", "roleplay", "cosplay"}, Weight: 0.7, Priority: 8},
		{Intent: model.IntentContextEnd, Keywords: []string{"结束对话", "结束会话", "再见", "拜拜"}, Weight: 0.7, Priority: 5},
	}
}

// cityGazetteer is the location list scanned for weather entity extraction.
var cityGazetteer = []string{
	"北京", "上海", "广州", "深圳", "杭州", "成都", "武汉",
	"南京", "西安", "重庆", "天津", "苏州", "长沙", "青岛",
}

// extractEntities pulls best-effort slots for an intent from the raw text.
// The result may be empty; downstream stages must handle missing slots.
func extractEntities(in model.Intent, text string) map[string]string {
	switch in {
	case model.IntentWeather:
		for _, city := range cityGazetteer {
			if strings.Contains(text, city) {
				return map[string]string{"location": city}
			}
		}
	case model.IntentRolePlay:
		// "扮演X" grabs the role name up to whitespace or punctuation.
		if i := strings.Index(text, "扮演"); i >= 0 {
			role := strings.TrimSpace(text[i+len("扮演"):])
			if j := strings.IndexAny(role, " ，。,.!！?？\n"); j >= 0 {
				role = role[:j]
			}
			if role != "" {
				return map[string]string{"role": role}
			}
		}
	}
	return nil
}
