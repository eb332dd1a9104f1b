package steptype

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/pitabwire/triage/model"
)

// Package-level validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// decodeConfig applies struct defaults, decodes raw into target using json tag
// names, and validates the result. Problems are returned as field errors with
// paths relative to the step config.
func decodeConfig(raw map[string]any, target any) []model.FieldError {
	if err := defaults.Set(target); err != nil {
		return []model.FieldError{{Field: "config", Code: "DEFAULTS", Message: err.Error()}}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return []model.FieldError{{Field: "config", Code: "DECODE", Message: err.Error()}}
	}
	if err := decoder.Decode(raw); err != nil {
		return []model.FieldError{{Field: "config", Code: "DECODE", Message: err.Error()}}
	}

	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []model.FieldError{{Field: "config", Code: "INVALID", Message: err.Error()}}
		}
		out := make([]model.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, model.FieldError{
				Field:   configPath(fe.Namespace()),
				Code:    strings.ToUpper(fe.Tag()),
				Message: fmt.Sprintf("failed %q validation", fe.Tag()),
			})
		}
		return out
	}
	return nil
}

// configPath turns a validator namespace such as "QuestionConfig.options[0].value"
// into "config.options[0].value".
func configPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return "config" + ns[i:]
	}
	return "config"
}
