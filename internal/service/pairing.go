package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"
)

const (
	pairingCodeChars    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairingCodePrefix   = "2@"
	pairingCodeSuffix   = "relay-sim"
	pairingTokenBytes   = 24
	pairingSecondaryLen = 8
)

// GeneratePairingCode returns an opaque pairing payload shaped like
// "2@<token>,<secondary>,<unix-ms>,relay-sim". It carries no cryptographic
// meaning but is unpredictable.
func GeneratePairingCode() string {
	return generatePairingCodeAt(time.Now())
}

func generatePairingCodeAt(now time.Time) string {
	token := make([]byte, pairingTokenBytes)
	if _, err := rand.Read(token); err != nil {
		panic(fmt.Sprintf("read random source: %v", err))
	}

	return fmt.Sprintf("%s%s,%s,%d,%s",
		pairingCodePrefix,
		base64.StdEncoding.EncodeToString(token),
		generateSecondaryToken(),
		now.UnixMilli(),
		pairingCodeSuffix,
	)
}

func generateSecondaryToken() string {
	chars := []byte(pairingCodeChars)
	out := make([]byte, pairingSecondaryLen)

	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			panic(fmt.Sprintf("read random source: %v", err))
		}
		out[i] = chars[n.Int64()]
	}

	return string(out)
}
