package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID correlates a Reply with its Request. Clients may send a string
// or an integer; the original form is echoed back.
type RequestID struct {
	str   string
	num   int64
	isNum bool
}

// StringID returns a string-valued id.
func StringID(s string) *RequestID { return &RequestID{str: s} }

// IntID returns a number-valued id.
func IntID(n int64) *RequestID { return &RequestID{num: n, isNum: true} }

func (id *RequestID) String() string {
	if id == nil {
		return ""
	}
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil {
		return []byte("null"), nil
	}
	if id.isNum {
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return json.Marshal(id.str)
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		*id = RequestID{str: str}
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("request id must be an integer or string, got %s", data)
	}
	*id = RequestID{num: n, isNum: true}
	return nil
}
