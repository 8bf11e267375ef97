package evaluator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dandantas/metronome/internal/model"
)

func TestEvaluator_Matches(t *testing.T) {
	e := NewEvaluator(nil)
	tick := model.NewTick(map[string]interface{}{
		model.TagSenderAddr: "node-1",
		"region":            "eu-west",
		"shard":             3,
		"labels":            []string{"blue", "canary"},
	})

	tests := []struct {
		name  string
		rules []model.Rule
		want  bool
	}{
		{"no rules", nil, true},
		{"eq string", []model.Rule{{Name: "r", Expression: "$.region", Operator: "eq", ExpectedValue: "eu-west"}}, true},
		{"eq numeric coerced", []model.Rule{{Name: "r", Expression: "$.shard", Operator: "eq", ExpectedValue: "3"}}, true},
		{"ne", []model.Rule{{Name: "r", Expression: "$.region", Operator: "ne", ExpectedValue: "us-east"}}, true},
		{"gt", []model.Rule{{Name: "r", Expression: "$.shard", Operator: "gt", ExpectedValue: 2}}, true},
		{"lte fails", []model.Rule{{Name: "r", Expression: "$.shard", Operator: "lte", ExpectedValue: 2}}, false},
		{"contains array", []model.Rule{{Name: "r", Expression: "$.labels", Operator: "contains", ExpectedValue: "canary"}}, true},
		{"regex", []model.Rule{{Name: "r", Expression: "$.sender_addr", Operator: "regex", ExpectedValue: "^node-[0-9]+$"}}, true},
		{"in", []model.Rule{{Name: "r", Expression: "$.region", Operator: "in", ExpectedValue: []interface{}{"us-east", "eu-west"}}}, true},
		{"exists missing", []model.Rule{{Name: "r", Expression: "$.missing", Operator: "exists"}}, false},
		{"missing tag", []model.Rule{{Name: "r", Expression: "$.missing", Operator: "eq", ExpectedValue: "x"}}, false},
		{"all must match", []model.Rule{
			{Name: "a", Expression: "$.region", Operator: "eq", ExpectedValue: "eu-west"},
			{Name: "b", Expression: "$.shard", Operator: "eq", ExpectedValue: 4},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Matches(tt.rules, tick))
		})
	}
}

func TestEvaluator_ReportsErrors(t *testing.T) {
	e := NewEvaluator(nil)
	results := e.EvaluateRules([]model.Rule{
		{Name: "bad path", Expression: "region", Operator: "eq", ExpectedValue: "x"},
		{Name: "bad regex", Expression: "$.region", Operator: "regex", ExpectedValue: "("},
		{Name: "in needs list", Expression: "$.region", Operator: "in", ExpectedValue: "x"},
	}, map[string]interface{}{"region": "eu"})

	for _, r := range results {
		assert.False(t, r.Matched, r.RuleName)
		assert.NotEmpty(t, r.Error, r.RuleName)
	}
}

func TestEvaluateOperator_Unknown(t *testing.T) {
	_, err := EvaluateOperator("like", 1, 1)
	assert.Error(t, err)
}

func TestAreEqual(t *testing.T) {
	assert.True(t, AreEqual(nil, nil))
	assert.False(t, AreEqual(nil, "null"))
	assert.True(t, AreEqual(1.0, int64(1)))
	assert.True(t, AreEqual(true, "yes"))
	assert.True(t, AreEqual("a", "a"))
	assert.False(t, AreEqual("a", "b"))
}

func TestCompareNumbers(t *testing.T) {
	c, err := CompareNumbers("10", 9)
	assert.NoError(t, err)
	assert.Equal(t, 1, c)

	_, err = CompareNumbers("ten", 9)
	assert.Error(t, err)
}

func TestCoercion_StoredExpectedValues(t *testing.T) {
	// Expected values read back from Mongo arrive as int32 and primitive.A
	e := NewEvaluator(nil)
	tick := model.NewTick(map[string]interface{}{"shard": 3, "region": "eu-west"})

	rules := []model.Rule{
		{Name: "shard", Expression: "$.shard", Operator: "gte", ExpectedValue: int32(3)},
		{Name: "region", Expression: "$.region", Operator: "in", ExpectedValue: primitive.A{"us-east", "eu-west"}},
	}
	assert.True(t, e.Matches(rules, tick))

	list, ok := CoerceToList([]string{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b"}, list)
	_, ok = CoerceToList("a")
	assert.False(t, ok)

	n, err := CoerceToNumber(json.Number("2.5"))
	assert.NoError(t, err)
	assert.Equal(t, 2.5, n)
	n, err = CoerceToNumber(uint8(7))
	assert.NoError(t, err)
	assert.Equal(t, 7.0, n)

	ts := time.Date(2024, 3, 4, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-03-04T09:00:00Z", CoerceToString(ts))
}
