package r5

import "strings"

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType         string         `json:"resourceType"`
	ID                   string         `json:"id,omitempty"`
	Meta                 *Meta          `json:"meta,omitempty"`
	Identifier           []Identifier   `json:"identifier,omitempty"`
	Active               bool           `json:"active,omitempty"`
	Name                 []HumanName    `json:"name,omitempty"`
	Telecom              []ContactPoint `json:"telecom,omitempty"`
	BirthDate            string         `json:"birthDate,omitempty"`
	ManagingOrganization *Reference     `json:"managingOrganization,omitempty"`
}

// NewHumanName splits a free-text name into given and family parts. The
// last word is the family name.
func NewHumanName(full string) HumanName {
	full = strings.Join(strings.Fields(full), " ")
	name := HumanName{Use: "official", Text: full}
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
	case 1:
		name.Family = parts[0]
	default:
		name.Family = parts[len(parts)-1]
		name.Given = parts[:len(parts)-1]
	}
	return name
}

// NewContactPoint classifies free-text contact info as an email address or
// a phone number.
func NewContactPoint(value string) ContactPoint {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "@") {
		return ContactPoint{System: "email", Value: value}
	}
	return ContactPoint{System: "phone", Value: value}
}

// GetFullName returns the patient's name as a single string.
func (p *Patient) GetFullName() string {
	if len(p.Name) == 0 {
		return ""
	}
	name := p.Name[0]
	if name.Text != "" {
		return name.Text
	}
	return strings.TrimSpace(strings.Join(append(append([]string{}, name.Given...), name.Family), " "))
}
