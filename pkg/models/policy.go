package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PolicyDocument is an IAM-style permission policy.
type PolicyDocument struct {
	Version   string     `json:"Version"`
	ID        string     `json:"Id,omitempty"`
	Statement Statements `json:"Statement"`
}

type Statement struct {
	Sid         string          `json:"Sid,omitempty"`
	Effect      string          `json:"Effect"`
	Principal   json.RawMessage `json:"Principal,omitempty"`
	Action      StringList      `json:"Action,omitempty"`
	NotAction   StringList      `json:"NotAction,omitempty"`
	Resource    StringList      `json:"Resource,omitempty"`
	NotResource StringList      `json:"NotResource,omitempty"`
	Condition   json.RawMessage `json:"Condition,omitempty"`
}

// StringList accepts either a JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Statements accepts either a single statement object or an array.
type Statements []Statement

func (s *Statements) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var one Statement
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = Statements{one}
		return nil
	}
	var many []Statement
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParsePolicyDocument decodes raw JSON and runs the structural checks.
func ParsePolicyDocument(raw []byte) (PolicyDocument, error) {
	var doc PolicyDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return PolicyDocument{}, fmt.Errorf("%w: decode policy: %v", ErrValidation, err)
	}
	if err := doc.Validate(); err != nil {
		return PolicyDocument{}, err
	}
	return doc, nil
}

// Validate performs local structural checks only; it does not prove the
// policy is accepted by the permission service.
func (p PolicyDocument) Validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return fmt.Errorf("%w: policy Version required", ErrValidation)
	}
	if len(p.Statement) == 0 {
		return fmt.Errorf("%w: policy has no statements", ErrValidation)
	}
	for i, st := range p.Statement {
		switch st.Effect {
		case "Allow", "Deny":
		default:
			return fmt.Errorf("%w: statement %d: Effect must be Allow or Deny, got %q", ErrValidation, i, st.Effect)
		}
		if len(st.Action) == 0 && len(st.NotAction) == 0 {
			return fmt.Errorf("%w: statement %d: Action required", ErrValidation, i)
		}
		if len(st.Resource) == 0 && len(st.NotResource) == 0 {
			return fmt.Errorf("%w: statement %d: Resource required", ErrValidation, i)
		}
		if len(st.Principal) > 0 {
			return fmt.Errorf("%w: statement %d: identity policies cannot name a Principal", ErrValidation, i)
		}
	}
	return nil
}

// Actions lists every action named by an Allow statement, in order, without duplicates.
func (p PolicyDocument) Actions() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, st := range p.Statement {
		if st.Effect != "Allow" {
			continue
		}
		for _, a := range st.Action {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// JSON returns the compact encoding sent to the permission service.
func (p PolicyDocument) JSON() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	return string(raw), nil
}

// Pretty returns an indented encoding for human-facing messages.
func (p PolicyDocument) Pretty() string {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}
