package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
)

// AuthResult classifies a signature check. The caller maps results to HTTP
// statuses and owns all logging; verification itself is pure.
type AuthResult int

const (
	// AuthUnverified: no secret configured and no signature sent. The
	// request proceeds, but the caller should log that verification is off.
	AuthUnverified AuthResult = iota
	// AuthVerified: the signature matched the shared secret.
	AuthVerified
	// AuthForbidden: signature missing or wrong while a secret is set.
	AuthForbidden
	// AuthInternalError: a signature arrived but no secret is configured,
	// so there is nothing to verify against. Deployment bug.
	AuthInternalError
)

func (r AuthResult) String() string {
	switch r {
	case AuthUnverified:
		return "unverified"
	case AuthVerified:
		return "verified"
	case AuthForbidden:
		return "forbidden"
	case AuthInternalError:
		return "internal_error"
	default:
		return "invalid"
	}
}

// VerifySignature checks a GitHub X-Hub-Signature header (HMAC-SHA1 of the
// raw body, hex encoded, "sha1=" prefix) against the shared secret.
func VerifySignature(body []byte, signature, secret string) AuthResult {
	switch {
	case secret == "" && signature == "":
		return AuthUnverified
	case signature == "":
		return AuthForbidden
	case secret == "":
		return AuthInternalError
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	want := "sha1=" + hex.EncodeToString(mac.Sum(nil))
	if hmac.Equal([]byte(want), []byte(signature)) {
		return AuthVerified
	}
	return AuthForbidden
}
