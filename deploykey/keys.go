// Package deploykey provisions per-plan SSH deploy keys for private
// repositories and keeps the private halves in a keyed secret store.
package deploykey

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"keel/model"
)

const keyBits = 2048

type KeyPair struct {
	PrivatePEM string
	PublicSSH  string
}

// GenerateKeyPair returns a fresh RSA key with the private half PEM
// encoded and the public half in authorized_keys form.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	return &KeyPair{
		PrivatePEM: string(pem.EncodeToMemory(block)),
		PublicSSH:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
	}, nil
}

// EncodePayload serializes deploy keys as base64 of the JSON list.
func EncodePayload(keys []model.DeployKey) (string, error) {
	raw, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodePayload(payload string) ([]model.DeployKey, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode deploy keys: %w", err)
	}
	var keys []model.DeployKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode deploy keys: %w", err)
	}
	return keys, nil
}
