package shipper

import "unicode/utf8"

// DefaultMaxPayloadSize applies when max_payload_size is unset or not positive.
const DefaultMaxPayloadSize = 1 << 20

// truncatedMessageBytes bounds the message kept in a truncated payload.
const truncatedMessageBytes = 1000

// Limit replaces an oversized payload with a truncation marker. It returns
// the payload to ship, its encoded form and the original encoded size. An
// error means the payload could not be encoded at all and must be dropped.
//
// The marker keeps level, channel, datetime and a shortened message so the
// receiving side can still file it.
func Limit(p Payload, max int) (Payload, []byte, error) {
	if max <= 0 {
		max = DefaultMaxPayloadSize
	}
	b, err := Encode(p)
	if err != nil {
		return nil, nil, err
	}
	if len(b) <= max {
		return p, b, nil
	}
	t := Payload{
		"_truncated":     true,
		"_original_size": len(b),
		"context":        TruncatedContext,
		"level":          p["level"],
		"channel":        p["channel"],
		"datetime":       p["datetime"],
		"message":        cut(p.Message(), truncatedMessageBytes),
	}
	tb, err := Encode(t)
	if err != nil {
		return nil, nil, err
	}
	return t, tb, nil
}

// cut shortens s to at most n bytes without splitting a rune.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
