// Package validate provides input validation for scriptlock requests.
package validate

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/pbparthas/scriptlock/internal/errors"
)

// identifierRegex validates resource, owner and project identifiers.
// Must start with an alphanumeric; may contain . _ : @ / and hyphens.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@/-]*$`)

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldErrors is returned for any invalid request. It matches
// ErrInvalidInput under errors.Is.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, fe := range e {
		msgs = append(msgs, fe.Error())
	}
	return fmt.Sprintf("%s: %s", apperrors.ErrInvalidInput, strings.Join(msgs, "; "))
}

func (e FieldErrors) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// AcquireInput is the validated shape of an acquire request.
type AcquireInput struct {
	ResourceID string        `validate:"required,max=255,identifier"`
	OwnerID    string        `validate:"required,max=255,identifier"`
	ProjectID  string        `validate:"omitempty,max=128,identifier"`
	FilePath   string        `validate:"omitempty,max=1024,safe_path"`
	Duration   time.Duration `validate:"min=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("identifier", validateIdentifier); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("safe_path", validateSafePath); err != nil {
		panic(err)
	}
	return v
}

func validateIdentifier(fl validator.FieldLevel) bool {
	return identifierRegex.MatchString(fl.Field().String())
}

func validateSafePath(fl validator.FieldLevel) bool {
	return FilePath(fl.Field().String()) == nil
}

// Acquire validates an acquire request.
func Acquire(in AcquireInput) error {
	return check(in)
}

// ResourceID validates a resource identifier.
func ResourceID(id string) error {
	return identifier("ResourceID", id)
}

// ProjectID validates an optional project identifier.
func ProjectID(id string) error {
	if id == "" {
		return nil
	}
	return identifier("ProjectID", id)
}

// LockID validates a lock id. Only emptiness is rejected; unknown ids are
// reported by the store as not found.
func LockID(id string) error {
	if strings.TrimSpace(id) == "" {
		return FieldErrors{{Field: "LockID", Message: "is required"}}
	}
	return nil
}

// Extension validates the amount added to a lease.
func Extension(d time.Duration) error {
	if d <= 0 {
		return FieldErrors{{Field: "Additional", Message: "must be a positive duration"}}
	}
	return nil
}

// Threshold validates an expiry-warning window.
func Threshold(d time.Duration) error {
	if d < 0 {
		return FieldErrors{{Field: "Threshold", Message: "must not be negative"}}
	}
	return nil
}

// FilePath validates the observability path attached to a lock.
// Absolute paths, NUL bytes and ".." segments are rejected.
func FilePath(p string) error {
	if p == "" {
		return nil
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: file path contains NUL byte", apperrors.ErrInvalidInput)
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	if path.IsAbs(slashed) || (len(slashed) > 1 && slashed[1] == ':') {
		return fmt.Errorf("%w: file path must be relative", apperrors.ErrInvalidInput)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path traversal not allowed", apperrors.ErrInvalidInput)
		}
	}
	return nil
}

func identifier(field, id string) error {
	if err := validate.Var(id, "required,max=255,identifier"); err != nil {
		return translate(err, field)
	}
	return nil
}

func check(s any) error {
	if err := validate.Struct(s); err != nil {
		return translate(err, "")
	}
	return nil
}

func translate(err error, field string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}

	out := make(FieldErrors, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if field != "" {
			name = field
		}
		out = append(out, FieldError{Field: name, Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return "must not be negative"
	case "identifier":
		return "must start with a letter or digit and contain only letters, digits and . _ : @ / -"
	case "safe_path":
		return "must be a relative path without '..' segments"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
