package remote

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"strings"

	"leakwatch/internal/api"
	"leakwatch/internal/result"
)

const (
	remedyNotInitialized = "construct the client with a dialed backend; check backend.url in the configuration"
	remedyLocalTrust     = "the local replica's root key could not be verified; restart the local replica and run again so the trust bootstrap fetches a fresh root key"
	remedyProductionTLS  = "the remote's certificate or signature failed verification; check the system clock and any TLS-intercepting proxy between this host and backend.url"
)

var certificateMarkers = []string{"certificate", "signature", "root key", "x509"}

// classify maps any failure of a remote call onto the error taxonomy.
func (c *Client) classify(op string, err error) *result.Error {
	return classifyFailure(op, c.local, err)
}

// classifyFailure picks the certificate remedy by whether the remote is a
// local replica.
func classifyFailure(op string, local bool, err error) *result.Error {
	if e, ok := result.As(err); ok {
		return e
	}

	var rej *api.RejectedError
	if errors.As(err, &rej) {
		return &result.Error{Kind: result.KindRemoteRejected, Message: op + ": " + rej.Message, Cause: err}
	}

	if isCertificateError(err) {
		remedy := remedyProductionTLS
		if local {
			remedy = remedyLocalTrust
		}
		return &result.Error{Kind: result.KindCertificate, Message: op, Remedy: remedy, Cause: err}
	}

	return &result.Error{Kind: result.KindTransientNetwork, Message: op, Cause: err}
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalid) ||
		errors.As(err, &hostname) || errors.As(err, &verification) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range certificateMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func notInitialized(op string) *result.Error {
	return &result.Error{
		Kind:    result.KindNotInitialized,
		Message: op + ": no backend",
		Remedy:  remedyNotInitialized,
	}
}
