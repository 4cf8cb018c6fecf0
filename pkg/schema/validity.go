package schema

import (
	"fmt"
	"strings"
)

// ValidityFlags is the OR-combinable validity state of a command, stage or
// case. Zero means valid. Flags are data, never control flow: an invalid
// study is a representable state, not an error.
type ValidityFlags uint8

const (
	// Syntaxic marks a command whose own keyword values violate the catalog
	// definition (missing mandatory keywords, bad expression, unknown title).
	Syntaxic ValidityFlags = 1 << iota
	// Dependency marks a command referencing something deleted, invalid or
	// out of scope.
	Dependency
	// Naming marks a command whose name collides with another simultaneously
	// visible command, where neither depends on the other.
	Naming
)

// Nothing is the valid state.
const Nothing ValidityFlags = 0

// Has reports whether all bits of f are set in v.
func (v ValidityFlags) Has(f ValidityFlags) bool { return v&f == f }

// Ok reports whether no flag is set.
func (v ValidityFlags) Ok() bool { return v == Nothing }

func (v ValidityFlags) String() string {
	if v == Nothing {
		return "nothing"
	}
	var parts []string
	if v.Has(Syntaxic) {
		parts = append(parts, "syntaxic")
	}
	if v.Has(Dependency) {
		parts = append(parts, "dependency")
	}
	if v.Has(Naming) {
		parts = append(parts, "naming")
	}
	return strings.Join(parts, "|")
}

// ValiditySeverity indicates whether an issue is an error or warning.
type ValiditySeverity string

const (
	SeverityError   ValiditySeverity = "error"
	SeverityWarning ValiditySeverity = "warning"
)

// ValidityIssue is a single validity problem with location context.
// Path addresses the offending element, e.g. "case[c1].stage[s1].model".
type ValidityIssue struct {
	Path     string           `json:"path"`
	Flags    ValidityFlags    `json:"flags"`
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Severity ValiditySeverity `json:"severity"`
}

// ValidityReport aggregates issues gathered while checking a stage or case.
type ValidityReport struct {
	Flags    ValidityFlags   `json:"flags"`
	Errors   []ValidityIssue `json:"errors,omitempty"`
	Warnings []ValidityIssue `json:"warnings,omitempty"`
}

// Valid returns true if no flag is raised (warnings are acceptable).
func (r *ValidityReport) Valid() bool {
	return r.Flags == Nothing && len(r.Errors) == 0
}

// AddError appends an error-severity issue and folds its flags in.
func (r *ValidityReport) AddError(path string, flags ValidityFlags, code, message string) {
	r.Flags |= flags
	r.Errors = append(r.Errors, ValidityIssue{
		Path: path, Flags: flags, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue without raising flags.
func (r *ValidityReport) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidityIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another report into this one.
func (r *ValidityReport) Merge(other *ValidityReport) {
	if other == nil {
		return
	}
	r.Flags |= other.Flags
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the report to a StudyError if invalid, nil if valid.
func (r *ValidityReport) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := fmt.Sprintf("validity check failed: %s", r.Flags)
	if len(r.Errors) > 0 {
		msg = r.Errors[0].Message
		if len(r.Errors) > 1 {
			msg = fmt.Sprintf("validity check failed with %d errors", len(r.Errors))
		}
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"flags":         r.Flags.String(),
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
