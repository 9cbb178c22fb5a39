package handlers

import "encoding/json"

// decodePayload round-trips frame.Payload through JSON into dst, the
// same translation router.ValidatePayload expects its caller to have
// already performed. A plain map->struct conversion would silently drop
// type mismatches; going through json.Marshal/Unmarshal gives us the
// same coercion rules (string->int rejected, a whole-valued float64
// accepted into an int, a fractional one rejected) as if the frame had
// been decoded directly into dst.
func decodePayload(payload map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
