package render

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type visitRequest struct {
	PatientID   int64  `json:"patient_id"`
	Symptoms    string `json:"symptoms"`
	TriageLevel string `json:"triage_level"`
}

func TestDecodeRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		missing bool
		invalid bool
	}{
		{"all present", `{"patient_id":1,"symptoms":"cough","triage_level":"low"}`, false, false},
		{"one absent", `{"patient_id":1,"symptoms":"cough"}`, true, false},
		{"null counts as absent", `{"patient_id":1,"symptoms":"cough","triage_level":null}`, true, false},
		{"empty body", ``, true, false},
		{"not an object", `[1,2]`, false, true},
		{"wrong type", `{"patient_id":"one","symptoms":"cough","triage_level":"low"}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/visits", strings.NewReader(tt.body))
			var dst visitRequest
			err := Decode(req, &dst, "patient_id", "symptoms", "triage_level")

			var missing *MissingFieldsError
			switch {
			case tt.missing:
				require.ErrorAs(t, err, &missing)
				assert.Equal(t, []string{"patient_id", "symptoms", "triage_level"}, missing.Required)
			case tt.invalid:
				assert.ErrorIs(t, err, ErrInvalidBody)
			default:
				require.NoError(t, err)
				assert.Equal(t, int64(1), dst.PatientID)
				assert.Equal(t, "low", dst.TriageLevel)
			}
		})
	}
}

func TestDecodeErrorListsRequired(t *testing.T) {
	rec := httptest.NewRecorder()
	DecodeError(rec, &MissingFieldsError{Required: []string{"name"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Missing required fields", body["error"])
	assert.Equal(t, []any{"name"}, body["required"])
}
