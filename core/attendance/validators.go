package attendance

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/rollcall/core"
)

var (
	markStatusTag  = "markstatus"
	markStatusText = "{0} must be one of present, absent, late or excused"
)

// RegisterValidators registers the attendance specific validation tags.
func RegisterValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(markStatusTag, markStatusValidation)
	core.RegisterCustomTranslation(validate, translator, markStatusTag, markStatusText)
}

// markStatusValidation only allows the statuses a teacher can record.
func markStatusValidation(fl validator.FieldLevel) bool {
	return Status(fl.Field().String()).Markable()
}
