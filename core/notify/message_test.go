package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsenceMessage_Render(t *testing.T) {
	tests := []struct {
		name string
		msg  AbsenceMessage
		want string
	}{
		{
			name: "named parent",
			msg:  AbsenceMessage{ParentName: "Mama Amani", StudentName: "Amani Kabila", SchoolName: "Gombe", Date: "2025-04-15"},
			want: "Dear Mama Amani, Amani Kabila was absent from Gombe today (2025-04-15). Please contact the school if you were not aware.",
		},
		{
			name: "unnamed parent",
			msg:  AbsenceMessage{ParentName: " ", StudentName: "Bora", SchoolName: "Gombe", Date: "2025-04-15"},
			want: "Dear Parent, Bora was absent from Gombe today (2025-04-15). Please contact the school if you were not aware.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.msg.Render()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
