// Package patients holds the base patient list, the per-patient override
// records written after a call, and the merged view shown to the clinician.
package patients

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// Patient is one case record as shown in lists.
type Patient struct {
	CallerName   string `yaml:"caller_name" json:"caller_name"`
	PatientName  string `yaml:"patient_name" json:"patient_name"`
	PatientAge   int    `yaml:"patient_age" json:"patient_age"`
	PatientSex   string `yaml:"patient_sex" json:"patient_sex"`
	CaseHistory  string `yaml:"case_history" json:"case_history"`
	DateCreated  string `yaml:"date_created,omitempty" json:"date_created,omitempty"`
	FinalSummary string `yaml:"final_summary,omitempty" json:"final_summary,omitempty"`
	DateModified string `yaml:"date_modified,omitempty" json:"date_modified,omitempty"`
}

// Key returns the override lookup key for a patient name.
func Key(patientName string) string {
	return strings.TrimSpace(patientName)
}

// CaseContext builds the call context for p. callerName is the signed-in
// clinician; it falls back to the record's caller name.
func (p Patient) CaseContext(callerName string) CaseContext {
	if strings.TrimSpace(callerName) == "" {
		callerName = p.CallerName
	}
	return CaseContext{
		PatientName: p.PatientName,
		Age:         FlexString(fmt.Sprint(p.PatientAge)),
		Sex:         p.PatientSex,
		Summary:     p.CaseHistory,
		CallerName:  callerName,
	}
}

// CaseContext carries the patient fields used to personalize a call.
type CaseContext struct {
	PatientName string     `json:"patientName"`
	Age         FlexString `json:"age"`
	Sex         string     `json:"sex"`
	Summary     string     `json:"summary"`
	CallerName  string     `json:"callerName"`
}

// Key returns the override key for the context's patient.
func (c CaseContext) Key() string {
	return Key(c.PatientName)
}

// FlexString decodes from either a JSON string or a JSON number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// FindByName returns the patient whose key matches name.
func FindByName(list []Patient, name string) (Patient, bool) {
	k := Key(name)
	for _, p := range list {
		if Key(p.PatientName) == k {
			return p, true
		}
	}
	return Patient{}, false
}

// LoadSeed reads the base patient list from a YAML file. An empty path
// returns the built-in list.
func LoadSeed(path string) ([]Patient, error) {
	data := defaultSeed
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read patient seed: %w", err)
		}
		data = b
	}

	var list []Patient
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse patient seed: %w", err)
	}
	return list, nil
}
