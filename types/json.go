package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The ingress wire format carries two unions: message content is either a
// string or an ordered part array, and tool_choice is either a fixed-mode
// string or a {function:{name}} object. The decoders below normalize both
// into the struct shapes the router works with.

// UnmarshalJSON decodes a Message whose content may be a string or a part
// array.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		Content json.RawMessage `json:"content,omitempty"`
		*alias
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Content) == 0 {
		return nil
	}

	switch aux.Content[0] {
	case '"':
		return json.Unmarshal(aux.Content, &m.Content)
	case '[':
		return json.Unmarshal(aux.Content, &m.Parts)
	case 'n': // null
		return nil
	default:
		return fmt.Errorf("message content must be a string or an array of parts")
	}
}

// MarshalJSON emits Parts when present, the plain string otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	aux := struct {
		Content any `json:"content,omitempty"`
		Parts   any `json:"parts,omitempty"` // suppressed; folded into content
		alias
	}{alias: (alias)(m)}

	if len(m.Parts) > 0 {
		aux.Content = m.Parts
	} else if m.Content != "" {
		aux.Content = m.Content
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes the tool_choice union.
func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*tc = ToolChoice{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch ToolChoiceMode(s) {
		case ToolChoiceNone, ToolChoiceAuto, ToolChoiceRequired:
			tc.Mode = ToolChoiceMode(s)
			tc.FunctionName = ""
			return nil
		default:
			return fmt.Errorf("invalid tool_choice %q", s)
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Function.Name == "" {
		return fmt.Errorf("tool_choice object requires function.name")
	}
	tc.Mode = ToolChoiceFunction
	tc.FunctionName = obj.Function.Name
	return nil
}

// MarshalJSON emits the wire form of the union.
func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	switch tc.Mode {
	case ToolChoiceUnset:
		return []byte("null"), nil
	case ToolChoiceFunction:
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.FunctionName},
		})
	default:
		return json.Marshal(string(tc.Mode))
	}
}

// UnmarshalJSON decodes a Request whose stop field may be a single string
// or a string array.
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	aux := struct {
		Stop json.RawMessage `json:"stop,omitempty"`
		*alias
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Stop) == 0 || string(aux.Stop) == "null" {
		return nil
	}
	if aux.Stop[0] == '"' {
		var s string
		if err := json.Unmarshal(aux.Stop, &s); err != nil {
			return err
		}
		r.Stop = []string{s}
		return nil
	}
	return json.Unmarshal(aux.Stop, &r.Stop)
}

// UnmarshalJSON accepts a duration string ("30s") or a number of
// milliseconds for the request timeout.
func (rm *RequestMetadata) UnmarshalJSON(data []byte) error {
	type alias RequestMetadata
	aux := struct {
		Timeout json.RawMessage `json:"timeout,omitempty"`
		*alias
	}{alias: (*alias)(rm)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Timeout) == 0 || string(aux.Timeout) == "null" {
		return nil
	}

	if aux.Timeout[0] == '"' {
		var s string
		if err := json.Unmarshal(aux.Timeout, &s); err != nil {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", s, err)
		}
		rm.Timeout = d
		return nil
	}

	ms, err := strconv.ParseFloat(string(aux.Timeout), 64)
	if err != nil {
		return fmt.Errorf("invalid timeout %s", aux.Timeout)
	}
	rm.Timeout = time.Duration(ms * float64(time.Millisecond))
	return nil
}
