package mockservice

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/g960059/tunnelctl/internal/model"
)

const certificateSubject = "tunnel service"

// generateCertificate makes a fresh self-signed certificate valid for
// one year from now.
func generateCertificate(now time.Time) (model.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return model.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return model.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	notAfter := now.AddDate(1, 0, 0).UTC().Truncate(time.Second)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: certificateSubject},
		NotBefore:             now.Add(-time.Minute).UTC(),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return model.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	sum := sha256.Sum256(der)
	return model.Certificate{
		Subject:     "CN=" + certificateSubject,
		Fingerprint: hex.EncodeToString(sum[:]),
		NotAfter:    notAfter,
		PEM:         string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}, nil
}
