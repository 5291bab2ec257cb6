package attendance

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureEvent_CapturedTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2025-04-15T08:10:00Z", want: time.Date(2025, 4, 15, 8, 10, 0, 0, time.UTC)},
		{in: "2025-04-15T13:40:00+05:30", want: time.Date(2025, 4, 15, 8, 10, 0, 0, time.UTC)},
		{in: "2025-04-15T08:10:00.123Z", want: time.Date(2025, 4, 15, 8, 10, 0, 123000000, time.UTC)},
		{in: "2025-04-15T08:10:00", want: time.Date(2025, 4, 15, 8, 10, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CaptureEvent{CapturedAt: tt.in}.CapturedTimestamp()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestEnvelope(t *testing.T) {
	p := CapturePayload{
		Event:  CaptureEvent{EventID: "evt-1", StudentID: "s1", FirstName: "Amani", Age: 11, CapturedAt: "2025-04-15T08:10:00Z"},
		Source: CaptureSource{App: "gate-cam", Version: "1.4.2", DeviceID: "dev-7"},
	}
	env, err := NewCaptureEnvelope(p)
	require.NoError(t, err)
	assert.Equal(t, SchemaCaptureV1, env.Schema)

	got, err := env.DecodeCapture()
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = Envelope{Schema: "capture.v0", Data: env.Data}.DecodeCapture()
	assert.Equal(t, ErrUnknownSchema, errors.Cause(err))
}
