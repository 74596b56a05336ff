package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
	"github.com/hackgods/telemedicine-scheduling/internal/calendar"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("mode", validateMode)
	validate.RegisterValidation("hhmm", validateTimeOfDay)
	validate.RegisterValidation("date", validateDate)
}

func validateMode(fl validator.FieldLevel) bool {
	return appointment.Mode(fl.Field().String()).Valid()
}

func validateTimeOfDay(fl validator.FieldLevel) bool {
	_, err := calendar.ParseTimeOfDay(fl.Field().String())
	return err == nil
}

func validateDate(fl validator.FieldLevel) bool {
	_, err := calendar.ParseDate(fl.Field().String())
	return err == nil
}

// validateStruct flattens validator errors into one readable line.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
