package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignInput is everything a request signature covers
type SignInput struct {
	Secret    string
	Token     string
	Nonce     string
	Timestamp string // unix milliseconds
}

// Signer produces the X-HMAC-Signature header value
type Signer interface {
	Sign(in SignInput) (string, error)
}

// HMACSigner signs token.nonce.timestamp with HMAC-SHA256 and hex encodes the digest
type HMACSigner struct{}

func (HMACSigner) Sign(in SignInput) (string, error) {
	if in.Secret == "" {
		return "", errors.New("hmac secret is empty")
	}
	mac := hmac.New(sha256.New, []byte(in.Secret))
	mac.Write([]byte(in.Token + "." + in.Nonce + "." + in.Timestamp))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
