package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"net"
	"strings"
	"unsafe"
)

type Key string

// DefaultIPHashSalt is used when no salt is configured. It is public
// knowledge, so fingerprints hashed with it can be reversed by brute force.
const DefaultIPHashSalt = "poll-rooms-default-salt"

func B2S(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

func S2B(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func GenerateRandomString(n int) (string, error) {
	ret := make([]byte, n)
	max := big.NewInt(int64(len(letters)))
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret), nil
}

// HashIP returns hex(sha256(ip + salt)).
func HashIP(ip, salt string) string {
	if salt == "" {
		salt = DefaultIPHashSalt
	}
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:])
}

// ClientIP picks the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the socket address with its port stripped.
func ClientIP(forwardedFor, realIP, remoteAddr string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP = strings.TrimSpace(realIP); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return "127.0.0.1"
}
