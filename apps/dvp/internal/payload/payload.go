package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"

	"dvp/apps/dvp/internal/config"
)

// envelope is the optional JSON wrapper around a delivery's data field.
type envelope struct {
	EncryptionAlgorithm   *string `json:"encryption_algorithm"`
	EncryptionKeyRef      *string `json:"encryption_key_ref"`
	SettlementServiceType *string `json:"settlement_service_type"`
	Data                  *string `json:"data"`
}

// Decryptor conditionally decrypts delivery payload data. Decryption only
// happens when the configured mode is aes-256-cbc and the envelope names the
// local key; everything else passes through as the raw string.
type Decryptor struct {
	mode string
	key  string // base64-encoded AES-256 key
}

func NewDecryptor(mode, key string) *Decryptor {
	return &Decryptor{mode: mode, key: key}
}

// Decrypt never fails: any parse, base64, cipher, or padding problem falls
// back to returning the raw input unmodified. The settlement service type is
// extracted from the envelope whenever the envelope parses, independent of
// whether decryption runs.
func (d *Decryptor) Decrypt(raw string) (data string, settlementServiceType *string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return raw, nil
	}
	settlementServiceType = env.SettlementServiceType

	if d.mode != config.EncryptionModeAES256CBC {
		return raw, settlementServiceType
	}
	if env.EncryptionAlgorithm == nil || *env.EncryptionAlgorithm != config.EncryptionModeAES256CBC {
		return raw, settlementServiceType
	}
	if env.EncryptionKeyRef == nil || *env.EncryptionKeyRef != "local" {
		return raw, settlementServiceType
	}
	if env.Data == nil {
		return raw, settlementServiceType
	}

	plaintext, err := d.decryptAES256CBC(*env.Data)
	if err != nil {
		return raw, settlementServiceType
	}
	return plaintext, settlementServiceType
}

// decryptAES256CBC decodes base64 ciphertext whose first block is the IV and
// removes PKCS#7 padding from the result.
func (d *Decryptor) decryptAES256CBC(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	key, err := base64.StdEncoding.DecodeString(d.key)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < aes.BlockSize || (len(ciphertext)-aes.BlockSize)%aes.BlockSize != 0 {
		return "", errInvalidCiphertext
	}
	iv := ciphertext[:aes.BlockSize]
	body := ciphertext[aes.BlockSize:]
	if len(body) == 0 {
		return "", errInvalidCiphertext
	}

	padded := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, body)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

type payloadError string

func (e payloadError) Error() string { return string(e) }

const (
	errInvalidCiphertext payloadError = "invalid ciphertext length"
	errInvalidPadding    payloadError = "invalid pkcs7 padding"
)

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
