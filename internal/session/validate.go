package session

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/turtlemessenger/turtle/internal/errs"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9._-]{3,50}$`)

const (
	msgUsername      = "invalid username; use a-z, 0-9, . _ - (3-50 chars)"
	msgPasswordShort = "password must be at least 6 characters"
	msgPasswordEmpty = "password is required"
)

type loginInput struct {
	Username string `validate:"tm_username"`
	Password string `validate:"required"`
}

type registerInput struct {
	Username string `validate:"tm_username"`
	Password string `validate:"required,min=6"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("tm_username", func(fl validator.FieldLevel) bool {
		return usernameRe.MatchString(fl.Field().String())
	})
	return v
}

// NormalizeUsername trims and lower-cases a username the same way the service does.
func NormalizeUsername(u string) string { return strings.ToLower(strings.TrimSpace(u)) }

func checkInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return &errs.ValidationError{Message: err.Error()}
	}
	fe := ves[0]
	switch fe.Field() {
	case "Username":
		return &errs.ValidationError{Field: "username", Message: msgUsername}
	case "Password":
		if fe.Tag() == "min" {
			return &errs.ValidationError{Field: "password", Message: msgPasswordShort}
		}
		return &errs.ValidationError{Field: "password", Message: msgPasswordEmpty}
	}
	return &errs.ValidationError{Field: strings.ToLower(fe.Field()), Message: fe.Error()}
}
