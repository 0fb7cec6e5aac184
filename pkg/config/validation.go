package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate

	decisionPathPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(/[a-zA-Z_][a-zA-Z0-9_]*)*$`)
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("sha256_pin", validateSHA256Pin)
		_ = validate.RegisterValidation("decision_path", validateDecisionPath)
	})
	return validate
}

func validateStruct(s any) error {
	err := structValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}

// validateSHA256Pin accepts 64 hex digits with an optional "sha256:" prefix.
func validateSHA256Pin(fl validator.FieldLevel) bool {
	pin := normaliseSHA256(fl.Field().String())
	if pin == "" {
		return true
	}
	if len(pin) != 64 {
		return false
	}
	_, err := hex.DecodeString(pin)
	return err == nil
}

func validateDecisionPath(fl validator.FieldLevel) bool {
	path := strings.TrimSpace(fl.Field().String())
	if path == "" {
		return true
	}
	return decisionPathPattern.MatchString(path)
}

func normaliseSHA256(pin string) string {
	pin = strings.ToLower(strings.TrimSpace(pin))
	return strings.TrimPrefix(pin, "sha256:")
}
