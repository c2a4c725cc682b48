// Package policyengine implements the Policy Engine: a pure, declarative
// rule evaluator. Gatekeeper, not commander — it never mutates its inputs,
// never touches the database, and is a deterministic function of (rules,
// context).
package policyengine

import (
	"fmt"
	"path"

	"github.com/governedrun/workflowcore/domain/policy"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
	"gopkg.in/yaml.v3"

	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
)

// ruleDoc and whenDoc mirror the YAML shape of §6.3 for decoding.
type ruleSetDoc struct {
	Default string    `yaml:"default"`
	Rules   []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	When      whenDoc `yaml:"when"`
	Principal string  `yaml:"principal"`
	Decision  string  `yaml:"decision"`
}

type whenDoc struct {
	Capability string `yaml:"capability"`
	RiskLevel  string `yaml:"risk_level"`
}

// Engine holds one loaded, immutable rule set and evaluates PolicyContexts
// against it. Re-entrant: Evaluate has no observable side effects.
type Engine struct {
	ruleSet policy.RuleSet
}

// LoadFromYAML parses a policy declaration (§6.3) into an Engine. A
// malformed document, an unknown decision enum, or an unknown default is
// rejected with PolicyLoadError at this point — never at evaluation time.
func LoadFromYAML(data []byte) (*Engine, error) {
	var doc ruleSetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, svcerrors.PolicyLoad("invalid YAML", err)
	}

	defaultDecision := policy.Decision(doc.Default)
	if defaultDecision == "" {
		defaultDecision = policy.DecisionDeny
	}
	if !defaultDecision.Valid() {
		return nil, svcerrors.PolicyLoad(fmt.Sprintf("unknown default decision %q", doc.Default), nil)
	}

	ruleSet := policy.RuleSet{Default: defaultDecision}
	for i, rd := range doc.Rules {
		decision := policy.Decision(rd.Decision)
		if !decision.Valid() {
			return nil, svcerrors.PolicyLoad(fmt.Sprintf("rule %d: unknown decision %q", i, rd.Decision), nil)
		}
		if rd.Principal == "" {
			return nil, svcerrors.PolicyLoad(fmt.Sprintf("rule %d: principal pattern must not be empty", i), nil)
		}
		if rd.When.Capability == "" {
			return nil, svcerrors.PolicyLoad(fmt.Sprintf("rule %d: when.capability must not be empty", i), nil)
		}

		ruleSet.Rules = append(ruleSet.Rules, policy.Rule{
			When: policy.When{
				Capability: rd.When.Capability,
				RiskLevel:  riskLevelOrEmpty(rd.When.RiskLevel),
			},
			PrincipalPattern: rd.Principal,
			Decision:         decision,
		})
	}

	return &Engine{ruleSet: ruleSet}, nil
}

// riskLevelOrEmpty returns raw cast to a RiskLevel, or "" (no risk
// condition) when raw is empty.
func riskLevelOrEmpty(raw string) workflowtypes.RiskLevel {
	if raw == "" {
		return ""
	}
	return workflowtypes.RiskLevel(raw)
}

// Evaluate applies the first-match-wins algorithm with risk escalation
// (SPEC_FULL.md §4.3). It is a pure function: ctx and the engine's rule
// set are never mutated.
func (e *Engine) Evaluate(ctx policy.Context) policy.Decision {
	principalStr := ctx.Principal.String()

	for _, rule := range e.ruleSet.Rules {
		if !globMatch(rule.PrincipalPattern, principalStr) {
			continue
		}
		if !globMatch(rule.When.Capability, ctx.CapabilityID) {
			continue
		}
		if rule.When.RiskLevel != "" && rule.When.RiskLevel != ctx.RiskLevel {
			continue
		}

		decision := rule.Decision
		if decision == policy.DecisionAllow && ctx.RiskLevel.IsHighOrCritical() {
			decision = policy.DecisionRequireApproval
		}
		return decision
	}

	return e.ruleSet.Default
}

func globMatch(pattern, value string) bool {
	matched, err := path.Match(pattern, value)
	if err != nil {
		return pattern == value
	}
	return matched
}
