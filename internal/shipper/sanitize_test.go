package shipper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizerRedactsNestedKeys(t *testing.T) {
	t.Parallel()

	s := NewSanitizer(nil)
	in := map[string]any{
		"user": map[string]any{
			"password": "x",
			"username": "alice",
		},
		"items": []any{
			map[string]any{"card_number": "4111", "sku": "A1"},
		},
		"API_KEY": "abc",
	}

	out := s.Map(in)

	user := out["user"].(map[string]any)
	assert.Equal(t, Redacted, user["password"])
	assert.Equal(t, "alice", user["username"])

	item := out["items"].([]any)[0].(map[string]any)
	assert.Equal(t, Redacted, item["card_number"])
	assert.Equal(t, "A1", item["sku"])

	assert.Equal(t, Redacted, out["API_KEY"])

	// input untouched
	assert.Equal(t, "x", in["user"].(map[string]any)["password"])
}

func TestSanitizerMatching(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		fields []string
		key    string
		want   bool
	}{
		{"exact", []string{"password"}, "password", true},
		{"case insensitive key", []string{"password"}, "PassWord", true},
		{"case insensitive field", []string{"PASSWORD"}, "password", true},
		{"substring", []string{"token"}, "x_auth_token", true},
		{"unrelated", []string{"password"}, "username", false},
		{"secretary not matched by secrets", []string{"secrets"}, "secretary", false},
		{"secretary matched by secret", []string{"secret"}, "secretary", true},
		{"empty list", []string{}, "password", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, NewSanitizer(tc.fields).Sensitive(tc.key))
		})
	}
}

func TestSanitizerKeepsObjectUnderSensitiveKey(t *testing.T) {
	t.Parallel()

	out := NewSanitizer([]string{"token"}).Map(map[string]any{
		"token": map[string]any{"id": 1, "token_value": "v"},
	})
	inner, ok := out["token"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, inner["id"])
	assert.Equal(t, Redacted, inner["token_value"])
}

func TestSanitizerPayload(t *testing.T) {
	t.Parallel()

	p := Payload{
		"message": "login failed",
		"context": map[string]any{"password": "hunter2"},
		"extra":   map[string]any{"authorization": "Bearer x"},
	}
	out := NewSanitizer(nil).Payload(p)
	assert.Equal(t, Redacted, out.Context()["password"])
	assert.Equal(t, Redacted, out["extra"].(map[string]any)["authorization"])
	assert.Equal(t, "hunter2", p.Context()["password"])
}
