package model

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// Webhook auth types
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
)

// Auth is how a webhook job authenticates against its endpoint
type Auth struct {
	Type     string `json:"type" bson:"type"`
	Username string `json:"username,omitempty" bson:"username,omitempty"`
	Password string `json:"password,omitempty" bson:"password,omitempty"`
	Token    string `json:"token,omitempty" bson:"token,omitempty"`
}

// Validate normalizes the auth type and checks its credentials
func (a *Auth) Validate() error {
	a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	switch a.Type {
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return errors.New("username and password required for basic auth")
		}
	case AuthBearer:
		if a.Token == "" {
			return errors.New("token required for bearer auth")
		}
	case AuthNone, "":
		a.Type = AuthNone
	default:
		return fmt.Errorf("invalid auth type %q (must be %s, %s or %s)", a.Type, AuthBasic, AuthBearer, AuthNone)
	}
	return nil
}

// ruleOperators are the operators a tag rule may use
var ruleOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "lt": true, "gte": true, "lte": true,
	"contains": true, "exists": true, "regex": true, "in": true,
}

// Rule is a JSONPath condition evaluated against a tick's tags
type Rule struct {
	Name          string      `json:"name" bson:"name"`
	Expression    string      `json:"expression" bson:"expression"` // JSONPath over tick tags, e.g. $.region
	Operator      string      `json:"operator" bson:"operator"`
	ExpectedValue interface{} `json:"expected_value" bson:"expected_value"`
}

// Validate checks the rule and lower-cases its operator. Regex patterns are
// compiled up front so a bad pattern fails at registration, not on every tick.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if !strings.HasPrefix(r.Expression, "$") {
		return fmt.Errorf("rule %s: expression must be a JSONPath starting with $", r.Name)
	}

	r.Operator = strings.ToLower(r.Operator)
	if !ruleOperators[r.Operator] {
		return fmt.Errorf("rule %s: invalid operator: %s", r.Name, r.Operator)
	}

	switch r.Operator {
	case "regex":
		pattern, ok := r.ExpectedValue.(string)
		if !ok {
			return fmt.Errorf("rule %s: regex expects a string pattern", r.Name)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("rule %s: %w", r.Name, err)
		}
	case "in":
		if kind := reflect.ValueOf(r.ExpectedValue).Kind(); kind != reflect.Slice && kind != reflect.Array {
			return fmt.Errorf("rule %s: in expects a list", r.Name)
		}
	}
	return nil
}

// RuleEvaluation is the outcome of evaluating one rule against a tick
type RuleEvaluation struct {
	RuleName       string      `json:"rule_name"`
	Expression     string      `json:"expression"`
	Operator       string      `json:"operator"`
	ExpectedValue  interface{} `json:"expected_value"`
	ExtractedValue interface{} `json:"extracted_value,omitempty"`
	Matched        bool        `json:"matched"`
	Error          string      `json:"error,omitempty"`
}

// Retry bounds for webhook delivery
const (
	DefaultRetryAttempts = 3
	MaxRetryAttempts     = 10
)

// RetryConfig is the backoff a webhook job applies between delivery attempts
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" bson:"max_attempts"`
	InitialDelayMs int     `json:"initial_delay_ms" bson:"initial_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms" bson:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier" bson:"multiplier"`
}

// SetDefaults fills unset fields
func (rc *RetryConfig) SetDefaults() {
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = DefaultRetryAttempts
	}
	if rc.InitialDelayMs == 0 {
		rc.InitialDelayMs = 1000
	}
	if rc.MaxDelayMs == 0 {
		rc.MaxDelayMs = 30000
	}
	if rc.Multiplier == 0 {
		rc.Multiplier = 2.0
	}
}

// Validate checks a defaulted config. A job's deliveries should finish well
// inside its schedule period, hence the attempt cap.
func (rc *RetryConfig) Validate() error {
	if rc.MaxAttempts < 1 || rc.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("max_attempts must be between 1 and %d", MaxRetryAttempts)
	}
	if rc.InitialDelayMs < 0 || rc.MaxDelayMs < rc.InitialDelayMs {
		return errors.New("retry delays must satisfy 0 <= initial_delay_ms <= max_delay_ms")
	}
	if rc.Multiplier < 1 {
		return errors.New("retry multiplier must be at least 1")
	}
	return nil
}

// webhookMethods are the methods able to carry a tick payload
var webhookMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// Webhook is the HTTP endpoint a webhook job calls on every due tick
type Webhook struct {
	URL         string            `json:"url" bson:"url"`
	Method      string            `json:"method" bson:"method"`
	Headers     map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Auth        Auth              `json:"auth,omitempty" bson:"auth,omitempty"`
	RetryConfig RetryConfig       `json:"retry_config,omitempty" bson:"retry_config,omitempty"`
}

// Validate normalizes method, auth and retry settings and checks the endpoint
func (w *Webhook) Validate() error {
	if w.URL == "" {
		return errors.New("webhook URL is required")
	}

	parsedURL, err := url.Parse(w.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.New("webhook URL must start with http:// or https://")
	}
	if parsedURL.Host == "" {
		return errors.New("webhook URL must name a host")
	}

	if w.Method == "" {
		w.Method = http.MethodPost
	}
	w.Method = strings.ToUpper(w.Method)
	if !webhookMethods[w.Method] {
		return fmt.Errorf("webhook method %s cannot carry a tick payload", w.Method)
	}

	if err := w.Auth.Validate(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	w.RetryConfig.SetDefaults()
	if err := w.RetryConfig.Validate(); err != nil {
		return fmt.Errorf("retry config: %w", err)
	}

	return nil
}

// Metadata represents common metadata fields
type Metadata struct {
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty" bson:"created_by,omitempty"`
	Tags      []string  `json:"tags,omitempty" bson:"tags,omitempty"`
}
