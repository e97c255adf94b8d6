package domain

import "time"

// PolicyRule is an operator-defined CEL expression evaluated on every new
// operation. When the expression yields true the operation is rejected.
type PolicyRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// CEL expression returning bool
	Expression string `json:"expression"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PolicyResult is the output of evaluating one rule.
type PolicyResult struct {
	RuleID    string `json:"ruleId"`
	RuleName  string `json:"ruleName"`
	Rejected  bool   `json:"rejected"`
	Reason    string `json:"reason,omitempty"`
	ProcessMs int64  `json:"processMs"`
}
