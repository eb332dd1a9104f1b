package steptype

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pitabwire/triage/model"
)

// Question kinds.
const (
	KindText         = "text"
	KindTextarea     = "textarea"
	KindNumber       = "number"
	KindSlider       = "slider"
	KindSingleSelect = "single_select"
	KindMultiSelect  = "multi_select"
	KindDate         = "date"
)

// QuestionConfig is the configuration of a QUESTION step.
type QuestionConfig struct {
	QuestionType string             `json:"questionType" validate:"required,oneof=text textarea number slider single_select multi_select date"`
	Text         string             `json:"text" validate:"required"`
	Placeholder  string             `json:"placeholder,omitempty"`
	Options      []QuestionOption   `json:"options,omitempty" validate:"dive"`
	Validation   QuestionValidation `json:"validation"`
}

// QuestionOption is one choice of a select question.
type QuestionOption struct {
	Value  string  `json:"value" validate:"required"`
	Label  string  `json:"label" validate:"required"`
	Weight float64 `json:"weight,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// QuestionValidation holds answer constraints presented to the subject.
type QuestionValidation struct {
	Required      bool     `json:"required"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Step          float64  `json:"step,omitempty" default:"1" validate:"gt=0"`
	MinSelections int      `json:"minSelections,omitempty" validate:"gte=0"`
	MaxSelections int      `json:"maxSelections,omitempty" validate:"gte=0"`
	CustomMessage string   `json:"customMessage,omitempty"`
}

// Numeric reports whether answers to this question are numbers.
func (c QuestionConfig) Numeric() bool {
	return c.QuestionType == KindNumber || c.QuestionType == KindSlider
}

// Selectable reports whether the question offers a fixed option list.
func (c QuestionConfig) Selectable() bool {
	return c.QuestionType == KindSingleSelect || c.QuestionType == KindMultiSelect
}

// QuestionHandler handles QUESTION steps.
type QuestionHandler struct{}

// Type implements Handler.
func (QuestionHandler) Type() model.StepType { return model.StepTypeQuestion }

// ValidateConfig implements Handler.
func (QuestionHandler) ValidateConfig(config map[string]any) []model.FieldError {
	var qc QuestionConfig
	errs := decodeConfig(config, &qc)

	if qc.Selectable() && len(qc.Options) == 0 {
		errs = append(errs, model.FieldError{
			Field:   "config.options",
			Code:    "REQUIRED",
			Message: fmt.Sprintf("%s questions need at least one option", qc.QuestionType),
		})
	}
	seen := make(map[string]bool, len(qc.Options))
	for i, opt := range qc.Options {
		if seen[opt.Value] {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("config.options[%d].value", i),
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("option value %q is repeated", opt.Value),
			})
		}
		seen[opt.Value] = true
	}
	v := qc.Validation
	if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
		errs = append(errs, model.FieldError{
			Field:   "config.validation.min",
			Code:    "RANGE",
			Message: "min must not exceed max",
		})
	}
	if v.MaxSelections > 0 && v.MinSelections > v.MaxSelections {
		errs = append(errs, model.FieldError{
			Field:   "config.validation.minSelections",
			Code:    "RANGE",
			Message: "minSelections must not exceed maxSelections",
		})
	}
	return errs
}

// Normalize implements Handler. Numeric questions coerce numeric strings to
// numbers; multi-select questions store a list even when one value is sent.
// Everything is wrapped under ValueKey.
func (QuestionHandler) Normalize(config map[string]any, raw any) map[string]any {
	answer := unwrap(raw)
	kind, _ := config["questionType"].(string)

	switch kind {
	case KindNumber, KindSlider:
		return wrap(coerceNumber(answer))
	case KindMultiSelect:
		return wrap(asList(answer))
	default:
		return wrap(answer)
	}
}

// coerceNumber converts numeric strings to float64. Anything else, including
// "NaN" and "Inf" spellings, is returned unchanged.
func coerceNumber(v any) any {
	switch n := v.(type) {
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil && isFinite(f) {
			return f
		}
		return n
	case json.Number:
		if f, err := n.Float64(); err == nil && isFinite(f) {
			return f
		}
		return n.String()
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func asList(v any) any {
	switch l := v.(type) {
	case nil:
		return []any{}
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case string:
		return []any{l}
	}
	return v
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
