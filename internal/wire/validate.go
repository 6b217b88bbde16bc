package wire

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// DelayPayload is the Payload shape for KindDelay.
type DelayPayload struct {
	MS int64 `json:"ms"`
}

// HTTPGetJSONPayload is the Payload shape for KindHTTPGetJSON.
type HTTPGetJSONPayload struct {
	URL string `json:"url"`
}

// ValidateSubmit checks a submission's kind and payload before it ever
// reaches the store, per the validation error category in §7: "malformed
// submission; surfaced as 400... never persisted".
func ValidateSubmit(kind Kind, payload json.RawMessage) error {
	switch kind {
	case KindDelay:
		var p DelayPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("payload must be an object with an integer \"ms\" field")
		}
		if p.MS <= 0 {
			return fmt.Errorf("payload.ms must be a positive integer, got %d", p.MS)
		}
		return nil
	case KindHTTPGetJSON:
		var p HTTPGetJSONPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("payload must be an object with a \"url\" field")
		}
		u, err := url.Parse(p.URL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("payload.url must be a valid absolute URL, got %q", p.URL)
		}
		return nil
	default:
		return fmt.Errorf("unknown command type %q", kind)
	}
}
