// Package engine implements the marking pipeline the core bridge fronts:
// anonymization, submission parsing, feedback coordination, and the audit
// event log. It holds no goroutines of its own; concurrency lives in the
// worker and sandbox pools that call into it.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxContentLength caps submission content at 100KB.
const MaxContentLength = 100 * 1024

var (
	ErrEmptyStudentID     = errors.New("engine: student id cannot be empty")
	ErrEmptyModuleCode    = errors.New("engine: module code cannot be empty")
	ErrInvalidQuestion    = errors.New("engine: question number must be greater than 0")
	ErrEmptyContent       = errors.New("engine: submission content cannot be empty")
	ErrEmptyRubric        = errors.New("engine: rubric cannot be empty")
	ErrInvalidModuleCode  = errors.New("engine: invalid module code format")
	ErrContentTooLong     = fmt.Errorf("engine: submission content exceeds %d bytes", MaxContentLength)
	ErrMissingAnonymizing = errors.New("engine: submission must be anonymized before feedback generation")
)

// Submission is one TMA question as received from the ingress. StudentID is
// raw on intake and must never travel past the anonymize stage.
type Submission struct {
	StudentID      string `json:"student_id"`
	ModuleCode     string `json:"module_code"`
	QuestionNumber int    `json:"question_number"`
	Content        string `json:"content"`
	Rubric         string `json:"rubric"`
}

// Validate applies the intake rules before any stage may run.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.StudentID) == "" {
		return ErrEmptyStudentID
	}
	if strings.TrimSpace(s.ModuleCode) == "" {
		return ErrEmptyModuleCode
	}
	if !validModuleCode(s.ModuleCode) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleCode, s.ModuleCode)
	}
	if s.QuestionNumber <= 0 {
		return ErrInvalidQuestion
	}
	if strings.TrimSpace(s.Content) == "" {
		return ErrEmptyContent
	}
	if len(s.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	if strings.TrimSpace(s.Rubric) == "" {
		return ErrEmptyRubric
	}
	return nil
}

// validModuleCode checks the Open University shape: 1-4 letters followed by
// digits, 4-7 characters overall (e.g. "TM112", "M250", "MST124").
func validModuleCode(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 4 || len(code) > 7 {
		return false
	}
	seenLetter, seenDigit := false, false
	for _, c := range code {
		switch {
		case unicode.IsLetter(c):
			if seenDigit {
				return false
			}
			seenLetter = true
		case unicode.IsDigit(c):
			seenDigit = true
		default:
			return false
		}
	}
	return seenLetter && seenDigit
}

// RubricCriterion is one structured marking point extracted from a rubric.
type RubricCriterion struct {
	Number      int    `json:"number"`
	Description string `json:"description"`
}

// ParsedSubmission is the anonymize+parse product handed to feedback
// generation. It carries no raw identifiers.
type ParsedSubmission struct {
	AnonymizedID   string            `json:"anonymized_id"`
	ModuleCode     string            `json:"module_code"`
	QuestionNumber int               `json:"question_number"`
	Content        string            `json:"content"`
	Rubric         string            `json:"rubric"`
	Criteria       []RubricCriterion `json:"criteria"`
}

// ParseRubricCriteria splits a free-text rubric into numbered criteria.
// Lines opening with a digit or a bullet each become one criterion; a rubric
// with no such structure is treated as a single criterion.
func ParseRubricCriteria(rubric string) []RubricCriterion {
	var criteria []RubricCriterion
	for _, line := range strings.Split(rubric, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsDigit(first) || first == '-' || first == '*' || first == '•' {
			criteria = append(criteria, RubricCriterion{
				Number:      len(criteria) + 1,
				Description: trimmed,
			})
		}
	}
	if len(criteria) == 0 {
		criteria = append(criteria, RubricCriterion{Number: 1, Description: strings.TrimSpace(rubric)})
	}
	return criteria
}
