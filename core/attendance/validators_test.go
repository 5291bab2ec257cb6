package attendance

import (
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/rollcall/core"
)

func newValidator(t *testing.T) (*validator.Validate, ut.Translator) {
	t.Helper()
	enLocale := en.New()
	translator, ok := ut.New(enLocale, enLocale).GetTranslator("en")
	require.True(t, ok)
	validate := validator.New()
	core.InitValidators(validate, translator)
	RegisterValidators(validate, translator)
	return validate, translator
}

func TestNewMarks_Validation(t *testing.T) {
	validate, translator := newValidator(t)

	valid := NewMarks{
		ClassID:  "cls",
		Date:     "2025-04-15",
		Period:   2,
		Students: []StudentMark{{StudentID: "s1", Status: StatusAbsent}},
	}
	require.NoError(t, validate.Struct(valid))

	tests := []struct {
		name      string
		mutate    func(nm *NewMarks)
		wantField string
		wantMsg   string
	}{
		{
			name:      "pending is not markable",
			mutate:    func(nm *NewMarks) { nm.Students = []StudentMark{{StudentID: "s1", Status: StatusPending}} },
			wantField: "status",
			wantMsg:   "status must be one of present, absent, late or excused",
		},
		{
			name:      "bad date",
			mutate:    func(nm *NewMarks) { nm.Date = "15/04/2025" },
			wantField: "date",
			wantMsg:   "date must be a date formatted as YYYY-MM-DD",
		},
		{
			name:      "missing class",
			mutate:    func(nm *NewMarks) { nm.ClassID = "" },
			wantField: "classId",
			wantMsg:   "this field is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nm := valid
			nm.Students = append([]StudentMark(nil), valid.Students...)
			tt.mutate(&nm)

			err := validate.Struct(nm)
			require.Error(t, err)
			verrs, ok := err.(validator.ValidationErrors)
			require.True(t, ok)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.wantField, verrs[0].Field())
			assert.Equal(t, tt.wantMsg, verrs[0].Translate(translator))
		})
	}
}
