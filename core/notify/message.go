package notify

import (
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

var absenceTmpl = template.Must(template.New("absence").Parse(
	`Dear {{.ParentName}}, {{.StudentName}} was absent from {{.SchoolName}} today ({{.Date}}). ` +
		`Please contact the school if you were not aware.`,
))

// AbsenceMessage holds the fields of the fixed absence SMS template.
type AbsenceMessage struct {
	ParentName  string
	StudentName string
	SchoolName  string
	Date        string
}

func (m AbsenceMessage) Render() (string, error) {
	if strings.TrimSpace(m.ParentName) == "" {
		m.ParentName = "Parent"
	}
	var b strings.Builder
	if err := absenceTmpl.Execute(&b, m); err != nil {
		return "", errors.Wrap(err, "rendering absence message")
	}
	return b.String(), nil
}
