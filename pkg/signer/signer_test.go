package signer_test

import (
	"testing"

	"github.com/connerlevi/capnet/pkg/canonicalize"
	"github.com/connerlevi/capnet/pkg/signer"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	kp, err := signer.Generate()
	require.NoError(t, err)

	body := map[string]interface{}{"cap_id": "abc123", "amount": 500}
	sig, err := signer.Sign(body, canonicalize.DomainCapDoc, kp.Private)
	require.NoError(t, err)

	ok, err := signer.Verify(body, sig, kp.PublicKeyBase64(), canonicalize.DomainCapDoc)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerify_TamperedBody_Fails(t *testing.T) {
	kp, err := signer.Generate()
	require.NoError(t, err)

	body := map[string]interface{}{"cap_id": "abc123", "amount": 500}
	sig, err := signer.Sign(body, canonicalize.DomainCapDoc, kp.Private)
	require.NoError(t, err)

	tampered := map[string]interface{}{"cap_id": "abc123", "amount": 501}
	ok, err := signer.Verify(tampered, sig, kp.PublicKeyBase64(), canonicalize.DomainCapDoc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_WrongDomain_Fails(t *testing.T) {
	kp, err := signer.Generate()
	require.NoError(t, err)

	body := map[string]interface{}{"cap_id": "abc123"}
	sig, err := signer.Sign(body, canonicalize.DomainCapDoc, kp.Private)
	require.NoError(t, err)

	ok, err := signer.Verify(body, sig, kp.PublicKeyBase64(), canonicalize.DomainReceipt)
	require.NoError(t, err)
	require.False(t, ok, "a capdoc signature must not verify under the receipt domain")
}

func TestVerify_WrongKey_Fails(t *testing.T) {
	kp1, err := signer.Generate()
	require.NoError(t, err)
	kp2, err := signer.Generate()
	require.NoError(t, err)

	body := map[string]interface{}{"cap_id": "abc123"}
	sig, err := signer.Sign(body, canonicalize.DomainCapDoc, kp1.Private)
	require.NoError(t, err)

	ok, err := signer.Verify(body, sig, kp2.PublicKeyBase64(), canonicalize.DomainCapDoc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerify_MalformedPublicKey_ReturnsError(t *testing.T) {
	_, err := signer.Verify(map[string]interface{}{"x": 1}, "not-base64!!", "not-base64!!", canonicalize.DomainCapDoc)
	require.Error(t, err)
}

func TestVerify_WrongLengthPublicKey_ReturnsError(t *testing.T) {
	kp, err := signer.Generate()
	require.NoError(t, err)
	body := map[string]interface{}{"x": 1}
	sig, err := signer.Sign(body, canonicalize.DomainCapDoc, kp.Private)
	require.NoError(t, err)

	_, err = signer.Verify(body, sig, "YWJj", canonicalize.DomainCapDoc) // "abc" base64, too short
	require.Error(t, err)
}
