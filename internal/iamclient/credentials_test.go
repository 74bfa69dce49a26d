package iamclient_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/iamclient"
)

type fakeCertGetter struct {
	info iamclient.CertInfo
}

func (f fakeCertGetter) GetCert(context.Context, string) (iamclient.CertInfo, error) {
	return f.info, nil
}

func writeSelfSignedPair(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cm-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return certPath, keyPath
}

func TestRebuildBuildsTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedPair(t, dir)

	getter := fakeCertGetter{info: iamclient.CertInfo{Type: "online", CertURL: "file://" + certPath, KeyURL: "file://" + keyPath}}
	creds := iamclient.NewCredentials(getter, "online", certPath)

	require.Nil(t, creds.Current())
	require.NoError(t, creds.Rebuild())

	cfg := creds.Current()
	require.NotNil(t, cfg)
	require.Len(t, cfg.Certificates, 1)
	require.NotNil(t, cfg.RootCAs)
}

func TestRebuildFailsOnMissingCACert(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedPair(t, dir)

	getter := fakeCertGetter{info: iamclient.CertInfo{Type: "online", CertURL: "file://" + certPath, KeyURL: "file://" + keyPath}}
	creds := iamclient.NewCredentials(getter, "online", filepath.Join(dir, "missing-ca.pem"))

	require.Error(t, creds.Rebuild())
}
