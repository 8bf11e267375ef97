// Package evaluator matches JSONPath rules against tick tags, letting a job
// run only on ticks carrying particular tags.
package evaluator

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dandantas/metronome/internal/model"
	"github.com/oliveagle/jsonpath"
)

// Evaluator evaluates tag rules
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates a new evaluator
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Matches reports whether every rule matches the tick's tags. No rules
// always matches.
func (e *Evaluator) Matches(rules []model.Rule, tick model.Tick) bool {
	if len(rules) == 0 {
		return true
	}
	for _, ev := range e.EvaluateRules(rules, tick.Tags) {
		if !ev.Matched {
			return false
		}
	}
	return true
}

// EvaluateRules evaluates each rule against tags
func (e *Evaluator) EvaluateRules(rules []model.Rule, tags map[string]interface{}) []model.RuleEvaluation {
	results := make([]model.RuleEvaluation, 0, len(rules))

	doc, err := normalize(tags)
	for _, rule := range rules {
		if err != nil {
			results = append(results, model.RuleEvaluation{
				RuleName:   rule.Name,
				Expression: rule.Expression,
				Operator:   rule.Operator,
				Error:      err.Error(),
			})
			continue
		}
		results = append(results, e.EvaluateRule(rule, doc))
	}
	return results
}

// EvaluateRule evaluates one rule against a normalized tag document
func (e *Evaluator) EvaluateRule(rule model.Rule, doc interface{}) model.RuleEvaluation {
	result := model.RuleEvaluation{
		RuleName:      rule.Name,
		Expression:    rule.Expression,
		Operator:      rule.Operator,
		ExpectedValue: rule.ExpectedValue,
	}

	extracted, err := extractValue(doc, rule.Expression)
	if err != nil {
		// A missing tag is a non-match, except for exists which says so itself
		if rule.Operator == "exists" {
			return result
		}
		result.Error = err.Error()
		e.logger.Debug("JSONPath extraction failed",
			"rule", rule.Name,
			"expression", rule.Expression,
			"error", err.Error(),
		)
		return result
	}
	result.ExtractedValue = extracted

	matched, err := EvaluateOperator(rule.Operator, extracted, rule.ExpectedValue)
	if err != nil {
		result.Error = err.Error()
		e.logger.Warn("Operator evaluation failed",
			"rule", rule.Name,
			"operator", rule.Operator,
			"error", err.Error(),
		)
		return result
	}
	result.Matched = matched
	return result
}

// normalize turns tags into plain JSON types so numbers compare the same
// whether a tick was built locally or decoded from a transport
func normalize(tags map[string]interface{}) (interface{}, error) {
	if tags == nil {
		tags = map[string]interface{}{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tick tags: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode tick tags: %w", err)
	}
	return doc, nil
}

// extractValue extracts a value using a JSONPath expression
func extractValue(doc interface{}, expression string) (interface{}, error) {
	pattern, err := jsonpath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", expression, err)
	}

	result, err := pattern.Lookup(doc)
	if err != nil {
		return nil, fmt.Errorf("JSONPath expression '%s' returned no results: %w", expression, err)
	}
	return result, nil
}
