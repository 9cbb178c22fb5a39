package keypair

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateGeneratesAndPersists(t *testing.T) {
	t.Setenv("PORTACODE_CONFIG_DIR", t.TempDir())

	kp, err := GetOrCreate()
	require.NoError(t, err)
	require.NotNil(t, kp.Private)
	require.Contains(t, string(kp.PublicKeyPEM), "PUBLIC KEY")

	kp2, err := GetOrCreate()
	require.NoError(t, err)
	require.Equal(t, kp.Private.N, kp2.Private.N, "second call should load the persisted key, not regenerate")
}

func TestFingerprintStable(t *testing.T) {
	t.Setenv("PORTACODE_CONFIG_DIR", t.TempDir())

	kp, err := GetOrCreate()
	require.NoError(t, err)

	fp1, err := Fingerprint(kp.PublicKeyPEM)
	require.NoError(t, err)
	fp2, err := Fingerprint(kp.PublicKeyPEM)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Contains(t, fp1, ":")
}

func TestFingerprintRejectsGarbage(t *testing.T) {
	_, err := Fingerprint([]byte("not a pem"))
	require.Error(t, err)
}
