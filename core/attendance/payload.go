package attendance

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// SchemaCaptureV1 is the payload shape of capture devices as of the first intake release.
	SchemaCaptureV1 = "capture.v1"
)

var ErrUnknownSchema = errors.New("unknown payload schema")

type (
	// CapturePayload is the body posted by capture devices.
	CapturePayload struct {
		Event  CaptureEvent  `json:"event" validate:"required"`
		Source CaptureSource `json:"source" validate:"required"`
		Test   bool          `json:"test,omitempty"`
	}

	CaptureEvent struct {
		EventID      string `json:"eventId" validate:"required,max=128"`
		Descriptor   string `json:"descriptor,omitempty"`
		StudentID    string `json:"studentId" validate:"required"`
		FirstName    string `json:"firstName,omitempty"`
		Age          int    `json:"age,omitempty" validate:"omitempty,min=0,max=150"`
		Grade        string `json:"grade,omitempty"`
		Section      string `json:"section,omitempty"`
		BloodGroup   string `json:"bloodGroup,omitempty"`
		CapturedAt   string `json:"capturedAt" validate:"required"` // ISO-8601
		CapturedDate string `json:"capturedDate,omitempty" validate:"omitempty,datekey"`
		CapturedTime string `json:"capturedTime,omitempty" validate:"omitempty,clocktime"`
	}

	CaptureSource struct {
		App      string `json:"app" validate:"required"`
		Version  string `json:"version" validate:"required"`
		DeviceID string `json:"deviceId,omitempty"`
	}
)

// CapturedTimestamp parses the ISO-8601 capture timestamp.
func (e CaptureEvent) CapturedTimestamp() (time.Time, error) {
	s := strings.TrimSpace(e.CapturedAt)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("invalid capturedAt %q", e.CapturedAt)
}

// Envelope is the versioned form raw payloads are stored in, so that older
// shapes stay decodable as devices evolve.
type Envelope struct {
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

func NewCaptureEnvelope(p CapturePayload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "encoding capture payload")
	}
	return Envelope{Schema: SchemaCaptureV1, Data: data}, nil
}

// DecodeCapture returns the capture payload held by the envelope.
func (env Envelope) DecodeCapture() (CapturePayload, error) {
	var p CapturePayload
	switch env.Schema {
	case SchemaCaptureV1:
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return CapturePayload{}, errors.Wrap(err, "decoding "+env.Schema)
		}
		return p, nil
	default:
		return CapturePayload{}, errors.Wrapf(ErrUnknownSchema, "%q", env.Schema)
	}
}
