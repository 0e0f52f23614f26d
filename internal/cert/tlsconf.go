package cert

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

var errNoPeerCert = errors.New("cert: no peer certificate")

// Authority issues peer TLS configs. Peers holding configs from the same
// authority trust each other whatever address they are reached on.
type Authority struct {
	ca    *x509.Certificate
	caKey crypto.Signer
}

// NewAuthority creates an authority with a fresh CA.
func NewAuthority() (*Authority, error) {
	ca, caKey, err := newCA()
	if err != nil {
		return nil, fmt.Errorf("create CA: %w", err)
	}

	return &Authority{ca: ca, caKey: caKey}, nil
}

// TLSConf issues a certificate for the named peer and returns a mutual TLS
// config for it.
func (a *Authority) TLSConf(name string) (*tls.Config, error) {
	privKey, err := newKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	certDER, err := newPeerCert(a.ca, a.caKey, name, privKey.Public())
	if err != nil {
		return nil, fmt.Errorf("create peer cert: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(a.ca)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  privKey,
		}},
		ClientAuth: tls.RequireAnyClientCert,
		// Peers dial by address taken from a directory, so the host name
		// can't be checked. The chain is verified in VerifyPeerCertificate.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyChain(pool),
		MinVersion:            tls.VersionTLS13,
	}, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errNoPeerCert
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			certs = append(certs, c)
		}

		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}

		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			return fmt.Errorf("verify peer certificate: %w", err)
		}

		return nil
	}
}
