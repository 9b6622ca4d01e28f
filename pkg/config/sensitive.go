package config

import "encoding/json"

const redacted = "[REDACTED]"

// SensitiveString holds a secret, such as a DSN with a password, that must never
// be printed. String and the JSON/YAML encoders redact it; Value returns it.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s SensitiveString) Value() string { return string(s) }

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SensitiveString) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = SensitiveString(raw)
	return nil
}

func (s SensitiveString) MarshalYAML() (any, error) {
	return s.String(), nil
}
