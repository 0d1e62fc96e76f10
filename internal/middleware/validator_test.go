package middleware

import (
	"testing"

	"github.com/pocketledger/pocketledger/internal/apperror"
)

type signupForm struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=2,max=100"`
	Password string `json:"password" validate:"required"`
	Confirm  string `json:"confirm" validate:"eqfield=Password"`
}

func TestRequestValidator_ReportsJSONFieldNames(t *testing.T) {
	rv := NewRequestValidator()

	err := rv.Validate(&signupForm{Email: "nope", Name: "A", Password: "x", Confirm: "y"})
	appErr := apperror.As(err)
	if appErr == nil || appErr.Type != apperror.TypeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	want := map[string]string{
		"email":   "must be a valid email address",
		"name":    "must be at least 2 characters",
		"confirm": "does not match",
	}
	for field, msg := range want {
		if appErr.Fields[field] != msg {
			t.Errorf("field %s: got %q, want %q", field, appErr.Fields[field], msg)
		}
	}
	if _, ok := appErr.Fields["password"]; ok {
		t.Error("password was valid and should not be reported")
	}
}

func TestRequestValidator_Valid(t *testing.T) {
	rv := NewRequestValidator()
	form := &signupForm{Email: "a@example.com", Name: "Ann", Password: "pw", Confirm: "pw"}
	if err := rv.Validate(form); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
