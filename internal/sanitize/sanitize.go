// Package sanitize classifies free-form parameter text against an injection
// risk policy. Classification is pattern-based defense-in-depth, not a SQL
// parser: anything ambiguous is blocked.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Policy selects the verb set a tool class tolerates.
type Policy int

const (
	// PolicyReadOnly rejects any DML or DDL verb outright.
	PolicyReadOnly Policy = iota
	// PolicyReadWrite allows DML but rejects DDL and privilege statements.
	PolicyReadWrite
)

// Verdict is the outcome of classifying one piece of text.
type Verdict struct {
	Allowed bool
	Reasons []string
}

// Blocked reports whether the text was rejected.
func (v Verdict) Blocked() bool { return !v.Allowed }

var (
	// A statement terminator followed by anything further is treated as an
	// attempt to chain statements.
	reTerminator = regexp.MustCompile(`;\s*\S`)

	reLineComment  = regexp.MustCompile(`--`)
	reBlockComment = regexp.MustCompile(`/\*`)

	// Always-true predicates: OR 1=1, OR '1'='1', OR "a"="a".
	reNumericTautology = regexp.MustCompile(`(?i)\bOR\s+(\d+)\s*=\s*(\d+)`)
	// The trailing quote is optional: in the classic probe the closing quote
	// comes from the surrounding statement.
	reQuotedTautology = regexp.MustCompile(`(?i)\bOR\s+'([^']*)'\s*=\s*'([^']*)'?`)

	reDynamicExec = regexp.MustCompile(`(?i)\b(EXEC|EXECUTE|PREPARE|DEALLOCATE)\b`)
	reSystemProc  = regexp.MustCompile(`(?i)\b(xp_|sp_)\w+`)
	reUnionProbe  = regexp.MustCompile(`(?i)\bUNION\b[\s(]*\bSELECT\b`)

	dmlVerbs       = []string{"INSERT", "UPDATE", "DELETE", "MERGE"}
	ddlVerbs       = []string{"CREATE", "ALTER", "DROP", "TRUNCATE"}
	privilegeVerbs = []string{"GRANT", "REVOKE", "DENY"}
)

// Classify checks text against the policy and returns a verdict. It is a
// pure function: identical input yields an identical verdict, and nothing
// is logged or recorded here.
//
// Keywords are matched on word boundaries, so identifiers that merely
// contain a forbidden substring ("update_count") pass, while a standalone
// verb in free text blocks even when the author meant it innocently.
func Classify(text string, policy Policy) Verdict {
	var reasons []string

	if reTerminator.MatchString(text) {
		reasons = append(reasons, "statement terminator followed by additional statement")
	}
	if reLineComment.MatchString(text) || reBlockComment.MatchString(text) {
		reasons = append(reasons, "SQL comment token")
	}
	if m := reNumericTautology.FindStringSubmatch(text); m != nil && m[1] == m[2] {
		reasons = append(reasons, fmt.Sprintf("always-true predicate OR %s=%s", m[1], m[2]))
	}
	if m := reQuotedTautology.FindStringSubmatch(text); m != nil && m[1] == m[2] {
		reasons = append(reasons, "always-true quoted predicate")
	}
	if m := reDynamicExec.FindStringSubmatch(text); m != nil {
		reasons = append(reasons, fmt.Sprintf("dynamic execution keyword %s", strings.ToUpper(m[1])))
	}
	if m := reSystemProc.FindString(text); m != "" {
		reasons = append(reasons, fmt.Sprintf("system procedure reference %s", m))
	}
	if reUnionProbe.MatchString(text) {
		reasons = append(reasons, "UNION-based probe")
	}

	for _, verb := range ddlVerbs {
		if containsVerb(text, verb) {
			reasons = append(reasons, fmt.Sprintf("DDL verb %s is not allowed", verb))
		}
	}
	for _, verb := range privilegeVerbs {
		if containsVerb(text, verb) {
			reasons = append(reasons, fmt.Sprintf("privilege verb %s is not allowed", verb))
		}
	}
	if policy == PolicyReadOnly {
		for _, verb := range dmlVerbs {
			if containsVerb(text, verb) {
				reasons = append(reasons, fmt.Sprintf("DML verb %s is not allowed for a read-only tool", verb))
			}
		}
	}

	if len(reasons) > 0 {
		return Verdict{Allowed: false, Reasons: reasons}
	}
	return Verdict{Allowed: true}
}

var verbRes = map[string]*regexp.Regexp{}

func init() {
	for _, verb := range append(append(append([]string{}, dmlVerbs...), ddlVerbs...), privilegeVerbs...) {
		verbRes[verb] = regexp.MustCompile(`(?i)\b` + verb + `\b`)
	}
}

func containsVerb(text, verb string) bool {
	return verbRes[verb].MatchString(text)
}
