package db

import (
	"crypto/sha256"
	"encoding/hex"
)

// rollingHash computes the next commit's hash as sha256(prevHash || sql):
// each commit's hash depends on the full history before it.
func rollingHash(prevHash string, sql []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(sql)
	return hex.EncodeToString(h.Sum(nil))
}
