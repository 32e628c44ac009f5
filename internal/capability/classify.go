package capability

import "strings"

// PowerLevel ranks how much latitude a capability has over the system
// itself, auto-classified from capability_id prefix rules (spec §4.4).
type PowerLevel string

const (
	PowerStandard      PowerLevel = "standard"
	PowerMeta          PowerLevel = "meta"
	PowerSelfModifying PowerLevel = "self_modifying"
	PowerBootstrap     PowerLevel = "bootstrap"
)

// CognitivePattern classifies the style of work a capability performs.
type CognitivePattern string

const (
	PatternExecution    CognitivePattern = "execution"
	PatternProcedural   CognitivePattern = "procedural"
	PatternIterative    CognitivePattern = "iterative"
	PatternDiagnostic   CognitivePattern = "diagnostic"
	PatternGenerative   CognitivePattern = "generative"
	PatternOrchestration CognitivePattern = "orchestration"
	PatternReflective   CognitivePattern = "reflective"
)

// powerLevelPrefixes maps a capability_id prefix to its auto-classified
// power level, most-specific-first.
var powerLevelPrefixes = []struct {
	prefix string
	level  PowerLevel
}{
	{"cap.bootstrap.", PowerBootstrap},
	{"cap.system.self.", PowerSelfModifying},
	{"cap.kstar.catalog.", PowerMeta},
	{"cap.capability.", PowerMeta},
	{"cap.policy.", PowerMeta},
	{"cap.principal.", PowerMeta},
}

// cognitivePatternPrefixes maps a capability_id prefix to its
// auto-classified cognitive pattern, most-specific-first.
var cognitivePatternPrefixes = []struct {
	prefix  string
	pattern CognitivePattern
}{
	{"cap.kstar.", PatternReflective},
	{"cap.subagent.", PatternOrchestration},
	{"cap.skill.", PatternProcedural},
	{"cap.llm.", PatternGenerative},
	{"cap.diagnose.", PatternDiagnostic},
	{"cap.loop.", PatternIterative},
}

// ClassifyPowerLevel auto-classifies a capability_id's power level from
// prefix rules. An explicit override in the descriptor always wins; call
// this only to compute the default.
func ClassifyPowerLevel(capabilityID string) PowerLevel {
	for _, rule := range powerLevelPrefixes {
		if strings.HasPrefix(capabilityID, rule.prefix) {
			return rule.level
		}
	}
	return PowerStandard
}

// ClassifyCognitivePattern auto-classifies a capability_id's cognitive
// pattern from prefix rules, defaulting to execution (a plain symbolic or
// shell handler that does a thing, rather than reasoning about one).
func ClassifyCognitivePattern(capabilityID string) CognitivePattern {
	for _, rule := range cognitivePatternPrefixes {
		if strings.HasPrefix(capabilityID, rule.prefix) {
			return rule.pattern
		}
	}
	return PatternExecution
}

// ResolvePowerLevel returns d.PowerLevel if explicitly set, else the
// auto-classified value.
func (d *Descriptor) ResolvePowerLevel() PowerLevel {
	if d.PowerLevel != "" {
		return d.PowerLevel
	}
	return ClassifyPowerLevel(d.CapabilityID)
}

// ResolveCognitivePattern returns d.CognitivePattern if explicitly set,
// else the auto-classified value.
func (d *Descriptor) ResolveCognitivePattern() CognitivePattern {
	if d.CognitivePattern != "" {
		return d.CognitivePattern
	}
	return ClassifyCognitivePattern(d.CapabilityID)
}
