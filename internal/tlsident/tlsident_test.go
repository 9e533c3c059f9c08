package tlsident_test

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/blukai/stabparty/internal/tlsident"
	"github.com/matryer/is"
)

func TestGeneratesAndReloads(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	first, err := tlsident.Load(certPath, keyPath, nil)
	is.NoErr(err)
	is.True(len(first.Certificate) > 0)

	// files were persisted
	_, err = os.Stat(certPath)
	is.NoErr(err)
	_, err = os.Stat(keyPath)
	is.NoErr(err)

	// second load reuses the same identity instead of regenerating
	second, err := tlsident.Load(certPath, keyPath, nil)
	is.NoErr(err)
	is.Equal(first.Certificate[0], second.Certificate[0])

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	is.NoErr(err)
	is.Equal(leaf.Subject.CommonName, "stabparty")
}

func TestRegeneratesOnCorruptFiles(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")

	is.NoErr(os.WriteFile(certPath, []byte("not a cert"), 0o644))
	is.NoErr(os.WriteFile(keyPath, []byte("not a key"), 0o600))

	cert, err := tlsident.Load(certPath, keyPath, nil)
	is.NoErr(err)
	is.True(len(cert.Certificate) > 0)
}
