package steptype

import (
	"github.com/pitabwire/triage/model"
)

// CheckoutConfig is the configuration of a CHECKOUT step. Payment itself is
// handled outside this service; only the selection is recorded.
type CheckoutConfig struct {
	Title           string            `json:"title" validate:"required"`
	Products        []CheckoutProduct `json:"products" validate:"required,min=1,dive"`
	PaymentRequired bool              `json:"paymentRequired"`
	AllowMultiple   bool              `json:"allowMultiple"`
}

// CheckoutProduct is one purchasable plan.
type CheckoutProduct struct {
	ID          string   `json:"id" validate:"required"`
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description,omitempty"`
	Price       int64    `json:"price" validate:"gte=0"`
	Recurring   bool     `json:"recurring"`
	Interval    string   `json:"interval,omitempty" validate:"omitempty,oneof=day week month year"`
	Features    []string `json:"features,omitempty"`
}

// CheckoutHandler handles CHECKOUT steps.
type CheckoutHandler struct{}

// Type implements Handler.
func (CheckoutHandler) Type() model.StepType { return model.StepTypeCheckout }

// ValidateConfig implements Handler.
func (CheckoutHandler) ValidateConfig(config map[string]any) []model.FieldError {
	var cc CheckoutConfig
	return decodeConfig(config, &cc)
}

// Normalize implements Handler. When the step allows several products the
// selection is stored as a list.
func (CheckoutHandler) Normalize(config map[string]any, raw any) map[string]any {
	answer := unwrap(raw)
	if multiple, _ := config["allowMultiple"].(bool); multiple {
		return wrap(asList(answer))
	}
	return wrap(answer)
}
