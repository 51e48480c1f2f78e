package r5

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHumanName(t *testing.T) {
	n := NewHumanName("  Mary  Ann Smith ")
	assert.Equal(t, "Mary Ann Smith", n.Text)
	assert.Equal(t, "Smith", n.Family)
	assert.Equal(t, []string{"Mary", "Ann"}, n.Given)

	n = NewHumanName("Cher")
	assert.Equal(t, "Cher", n.Family)
	assert.Empty(t, n.Given)
}

func TestNewContactPoint(t *testing.T) {
	assert.Equal(t, "email", NewContactPoint("jane@example.org").System)
	assert.Equal(t, "phone", NewContactPoint("555-1234").System)
}

func TestGetFullName(t *testing.T) {
	p := &Patient{Name: []HumanName{{Family: "Doe", Given: []string{"Jane"}}}}
	assert.Equal(t, "Jane Doe", p.GetFullName())
	assert.Equal(t, "", (&Patient{}).GetFullName())
}

func TestErrorOutcomeJSON(t *testing.T) {
	data, err := json.Marshal(NewErrorOutcome(IssueNotFound, "Patient/9 not found"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found","diagnostics":"Patient/9 not found"}]}`, string(data))
}
