package selfupdate

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"

	"github.com/skip2/go-qrcode"
)

// NewPairingToken generates a random, URL-safe bearer token for the
// creator-auth pairing flow: the operator copies it into
// config.AuthConfig.PairingToken after scanning the QR code that
// encodes it.
func NewPairingToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing token: %w", err)
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}

// WritePairingQR renders token as a QR code and writes its terminal
// ASCII-art form to w, for an operator to scan with a creator device
// during out-of-band auth channel setup.
func WritePairingQR(w io.Writer, token string) error {
	q, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("build pairing qr code: %w", err)
	}
	_, err = io.WriteString(w, q.ToString(false))
	return err
}
