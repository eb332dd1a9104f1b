package steptype

import (
	"reflect"

	"github.com/pitabwire/triage/model"
)

// AcknowledgedKey marks steps that carry no real answer.
const AcknowledgedKey = "acknowledged"

// InformationConfig is the configuration of an INFORMATION step.
type InformationConfig struct {
	Content        string `json:"content" validate:"required"`
	Format         string `json:"format" default:"markdown" validate:"oneof=markdown text html"`
	ContinueButton string `json:"continueButton,omitempty" default:"Continue"`
}

// ProviderReviewConfig is the configuration of a PROVIDER_REVIEW step.
type ProviderReviewConfig struct {
	Priority            string   `json:"priority" default:"normal" validate:"oneof=low normal high urgent"`
	Message             string   `json:"message,omitempty"`
	AutoAssign          bool     `json:"autoAssign,omitempty"`
	EstimatedReviewTime string   `json:"estimatedReviewTime,omitempty"`
	RequiredActions     []string `json:"requiredActions,omitempty" validate:"dive,required"`
}

// ConsentConfig is the configuration of a CONSENT step.
type ConsentConfig struct {
	Text     string `json:"text" validate:"required"`
	Required bool   `json:"required" default:"true"`
}

// AcknowledgeHandler serves step types whose submission is only an
// acknowledgment. Shape is a pointer to the config struct to validate against.
type AcknowledgeHandler struct {
	StepType model.StepType
	Shape    any
}

// Type implements Handler.
func (h AcknowledgeHandler) Type() model.StepType { return h.StepType }

// ValidateConfig implements Handler.
func (h AcknowledgeHandler) ValidateConfig(config map[string]any) []model.FieldError {
	if h.Shape == nil {
		return nil
	}
	target := reflect.New(reflect.TypeOf(h.Shape).Elem()).Interface()
	return decodeConfig(config, target)
}

// Normalize implements Handler.
func (h AcknowledgeHandler) Normalize(map[string]any, any) map[string]any {
	return map[string]any{AcknowledgedKey: true}
}

// ConsentHandler handles CONSENT steps. An explicit accepted flag in the
// submission is kept next to the acknowledgment marker.
type ConsentHandler struct{}

// Type implements Handler.
func (ConsentHandler) Type() model.StepType { return model.StepTypeConsent }

// ValidateConfig implements Handler.
func (ConsentHandler) ValidateConfig(config map[string]any) []model.FieldError {
	var cc ConsentConfig
	return decodeConfig(config, &cc)
}

// Normalize implements Handler.
func (ConsentHandler) Normalize(_ map[string]any, raw any) map[string]any {
	out := map[string]any{AcknowledgedKey: true}
	switch v := raw.(type) {
	case bool:
		out["accepted"] = v
	case map[string]any:
		if accepted, ok := v["accepted"].(bool); ok {
			out["accepted"] = accepted
		}
	}
	return out
}
