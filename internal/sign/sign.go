package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/Minimalistic-Apps/donation-key-server/internal/models"
)

// Signer produces the donation key for a verified claim.
type Signer interface {
	Sign(message string) (models.DonationKey, error)
}

// DonationKeySigner signs a claim with RSA PKCS#1 v1.5 over SHA-1 and
// returns the signature base64 encoded. The private key is a PKCS#1 PEM
// file supplied out of band; donors verify the key against the published
// public key.
type DonationKeySigner struct {
	privateKeyPath string
}

func NewDonationKeySigner(privateKeyPath string) *DonationKeySigner {
	return &DonationKeySigner{privateKeyPath: privateKeyPath}
}

func (s *DonationKeySigner) Sign(message string) (models.DonationKey, error) {
	raw, err := os.ReadFile(s.privateKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return "", errors.New("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	digest := sha1.Sum([]byte(message))
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	return models.DonationKey(base64.StdEncoding.EncodeToString(signature)), nil
}
