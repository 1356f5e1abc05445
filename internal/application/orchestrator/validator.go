package orchestrator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/go-playground/validator/v10"
)

// validate is shared by the request validator and the assembler.
// Field names are reported by their JSON names.
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

// Validator validates inbound requests
type Validator struct{}

// NewValidator creates a new request validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRequest checks that the request carries the required fields.
// Failures are *RequestValidationError.
func (v *Validator) ValidateRequest(req *domain.ChatCompletionRequest) error {
	if req == nil {
		return &RequestValidationError{Err: fmt.Errorf("request is nil")}
	}

	if err := validate.Struct(req); err != nil {
		return &RequestValidationError{Err: describe(err)}
	}

	return nil
}

// describe rewrites validator errors as "field failed tag" lines
func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
