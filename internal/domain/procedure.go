package domain

import "time"

// ParameterDirection describes how a stored-procedure parameter is bound.
type ParameterDirection string

const (
	DirectionInput       ParameterDirection = "Input"
	DirectionOutput      ParameterDirection = "Output"
	DirectionInputOutput ParameterDirection = "InputOutput"
	DirectionReturnValue ParameterDirection = "ReturnValue"
)

// ValidDirection reports whether d is a recognised parameter direction.
func ValidDirection(d ParameterDirection) bool {
	switch d {
	case DirectionInput, DirectionOutput, DirectionInputOutput, DirectionReturnValue:
		return true
	}
	return false
}

// Parameter is one typed, directioned stored-procedure parameter.
type Parameter struct {
	Name         string
	Value        any
	Direction    ParameterDirection
	DeclaredType string
}

// ProcedureCall is a fully-resolved request to invoke one pre-registered
// stored procedure. Procedure must name a registry entry; ad hoc command
// text is never accepted.
type ProcedureCall struct {
	Procedure     string
	Parameters    []Parameter
	CorrelationID string
	Actor         Actor
	// Timeout overrides the registry/config statement timeout when positive.
	Timeout time.Duration
}

// ParameterNames returns the parameter names in call order. Used for audit
// records, which never carry parameter values.
func (c ProcedureCall) ParameterNames() []string {
	names := make([]string, len(c.Parameters))
	for i, p := range c.Parameters {
		names[i] = p.Name
	}
	return names
}

// ProcedureResult is the value-typed outcome of one invocation. Output
// parameters are returned here rather than written through caller-supplied
// references.
type ProcedureResult struct {
	Columns         []string
	Rows            [][]any
	RowCount        int
	OutputParams    map[string]any
	ReturnValue     any
	RowsAffected    int64
	ExecutionTimeMs int64
}
