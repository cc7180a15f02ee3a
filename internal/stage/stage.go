// Package stage defines the sterilization workflow stages.
package stage

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
)

// Stage is one step of the instrument reprocessing workflow.
type Stage string

const (
	Receiving     Stage = "RECEIVING"
	Washing       Stage = "WASHING"
	Disinfection  Stage = "DISINFECTION"
	Sterilization Stage = "STERILIZATION"
	Storage       Stage = "STORAGE"
)

// All lists the stages in workflow order.
var All = []Stage{Receiving, Washing, Disinfection, Sterilization, Storage}

// aliases maps folded spellings to stages. Legacy ledger entries were
// written with the Portuguese stage names.
var aliases = map[string]Stage{
	"RECEIVING":     Receiving,
	"WASHING":       Washing,
	"WASH":          Washing,
	"DISINFECTION":  Disinfection,
	"STERILIZATION": Sterilization,
	"STERILISATION": Sterilization,
	"STORAGE":       Storage,
	"RECEBIMENTO":   Receiving,
	"LAVAGEM":       Washing,
	"DESINFECCAO":   Disinfection,
	"ESTERILIZACAO": Sterilization,
	"ARMAZENAMENTO": Storage,
}

// InvalidStageError is returned when a stage name matches no known stage.
type InvalidStageError struct {
	Input string
}

func (e *InvalidStageError) Error() string {
	return fmt.Sprintf("invalid stage %q", e.Input)
}

// ErrorCode classifies the error as caller input.
func (e *InvalidStageError) ErrorCode() errors.Code { return errors.ErrCodeInvalidInput }

// Fold upper-cases s and strips diacritics and surrounding whitespace.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToUpper(strings.TrimSpace(folded))
}

// Normalize resolves a free-form stage name, ignoring case and diacritics.
func Normalize(s string) (Stage, error) {
	if st, ok := aliases[Fold(s)]; ok {
		return st, nil
	}
	return "", &InvalidStageError{Input: s}
}

// Key returns the normalized stage name when s is recognised and the folded
// input otherwise. Used for comparisons that must tolerate unknown stages.
func Key(s string) string {
	if st, err := Normalize(s); err == nil {
		return string(st)
	}
	return Fold(s)
}

// Valid reports whether s is one of the canonical stage values.
func (s Stage) Valid() bool {
	for _, st := range All {
		if st == s {
			return true
		}
	}
	return false
}

func (s Stage) String() string { return string(s) }
