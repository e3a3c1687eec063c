package payplus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"transaction_id":"1"}`)
	hash := Signature("secret", payload)

	require.True(t, VerifySignature("secret", payload, hash, "PayPlus"))
	require.True(t, VerifySignature("secret", payload, hash, "payplus"))
	require.False(t, VerifySignature("secret", payload, hash, "Zapier/1.0"))
	require.False(t, VerifySignature("other-secret", payload, hash, "PayPlus"))
	require.False(t, VerifySignature("secret", []byte(`tampered`), hash, "PayPlus"))
	require.False(t, VerifySignature("secret", payload, "", "PayPlus"))
}
