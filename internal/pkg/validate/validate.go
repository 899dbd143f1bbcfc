package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/pkg/otpcode"
	"github.com/go-playground/validator/v10"
)

// v is the package-level singleton validator. Custom tags are registered in
// init() before the first call to Struct.
var v = validator.New()

func init() {
	_ = v.RegisterValidation("otpcode", func(fl validator.FieldLevel) bool {
		return otpcode.IsCode(fl.Field().String())
	})
	_ = v.RegisterValidation("purpose", func(fl validator.FieldLevel) bool {
		return domain.Purpose(fl.Field().String()).Valid()
	})
}

// Struct validates the given struct using its validate tags.
// Validation failures wrap domain.ErrBadRequest.
func Struct(s interface{}) error {
	if err := v.Struct(s); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), domain.ErrBadRequest)
	}
	return nil
}
