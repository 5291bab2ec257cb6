package core

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// DateKeyLayout is the layout of a school-local calendar date.
const DateKeyLayout = "2006-01-02"

var (
	// custom validation tags & texts
	dateKeyTag  = "datekey"
	dateKeyText = "{0} must be a date formatted as YYYY-MM-DD"

	clockTimeTag   = "clocktime"
	clockTimeText  = "{0} must be a time formatted as HH:MM or HH:MM:SS"
	clockTimeRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d(:[0-5]\d)?$`)

	requiredTag     = "required"
	requiredWithTag = "required_with"
	requiredText    = "this field is required"
)

// InitValidators instantiates the validator for use.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			name = strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]
		}
		return name
	})

	// register custom validators
	_ = validate.RegisterValidation(dateKeyTag, dateKeyValidation)
	RegisterCustomTranslation(validate, translator, dateKeyTag, dateKeyText)

	_ = validate.RegisterValidation(clockTimeTag, clockTimeValidation)
	RegisterCustomTranslation(validate, translator, clockTimeTag, clockTimeText)

	RegisterCustomTranslation(validate, translator, requiredTag, requiredText, true)
	RegisterCustomTranslation(validate, translator, requiredWithTag, requiredText, true)
}

// RegisterCustomTranslation registers a custom translation for the specified validation tag.
func RegisterCustomTranslation(validate *validator.Validate, translator ut.Translator, tag, text string, override ...bool) {
	var ovrd bool
	if len(override) > 0 {
		ovrd = override[0]
	}
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, ovrd) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// Custom Global Validators

// dateKeyValidation only allows YYYY-MM-DD calendar dates.
func dateKeyValidation(fl validator.FieldLevel) bool {
	_, err := time.Parse(DateKeyLayout, fl.Field().String())
	return err == nil
}

// clockTimeValidation only allows HH:MM or HH:MM:SS 24h times.
func clockTimeValidation(fl validator.FieldLevel) bool {
	return clockTimeRegex.MatchString(fl.Field().String())
}
