// Package algorithms implements the closed hash-algorithm enumeration
// required by the Hash Worker (C8, spec §4.8.2). Grounded on
// internal/analyzers/cryptographic/crypto.go's HashAlgorithm{Name,
// HashFunc} table and import list (crypto/md5, crypto/sha1,
// crypto/sha256, crypto/sha512, golang.org/x/crypto/blake2b,
// golang.org/x/crypto/blake2s, golang.org/x/crypto/sha3), extended with
// the remaining closed-enumeration entries via the same packages'
// New224/New384/New512_224/New512_256/NewShake128/NewShake256
// constructors, plus NTLM/NTLMv2/WPA which are not plain digests.
package algorithms

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/md4"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/encoding/unicode"
)

// Name is one of the closed set of algorithm identifiers from spec §4.8.2.
type Name string

const (
	MD5       Name = "md5"
	SHA1      Name = "sha1"
	SHA224    Name = "sha224"
	SHA256    Name = "sha256"
	SHA384    Name = "sha384"
	SHA512    Name = "sha512"
	SHA512224 Name = "sha512_224"
	SHA512256 Name = "sha512_256"
	SHA3224   Name = "sha3_224"
	SHA3256   Name = "sha3_256"
	SHA3384   Name = "sha3_384"
	SHA3512   Name = "sha3_512"
	Shake128  Name = "shake_128"
	Shake256  Name = "shake_256"
	Blake2b   Name = "blake2b"
	Blake2s   Name = "blake2s"
	NTLM      Name = "ntlm"
	NTLMv2    Name = "ntlmv2"
	WPA       Name = "wpa"
	WPA2      Name = "wpa2"
)

// plainDigests holds the constructors for every algorithm that is just
// "hasher.Write(data); hasher.Sum(nil)" with no extra parameters.
var plainDigests = map[Name]func() hash.Hash{
	MD5:       md5.New,
	SHA1:      sha1.New,
	SHA224:    sha256.New224,
	SHA256:    sha256.New,
	SHA384:    sha512.New384,
	SHA512:    sha512.New,
	SHA512224: sha512.New512_224,
	SHA512256: sha512.New512_256,
	SHA3224:   sha3.New224,
	SHA3256:   sha3.New256,
	SHA3384:   sha3.New384,
	SHA3512:   sha3.New512,
	Blake2b:   func() hash.Hash { h, _ := blake2b.New512(nil); return h },
	Blake2s:   func() hash.Hash { h, _ := blake2s.New256(nil); return h },
}

// IsPlainDigest reports whether name is computed by plainDigests (as
// opposed to requiring extra parameters: shake output length, ntlm(v2)
// username/domain, wpa ssid).
func IsPlainDigest(name Name) bool {
	_, ok := plainDigests[name]
	return ok
}

// DefaultShakeOutputLength is used when the caller does not specify one,
// matching the Python original's `output_length or 32`.
const DefaultShakeOutputLength = 32

// Compute dispatches to the correct algorithm. extra carries the
// algorithm-specific parameters: "output_length" (int, shake only),
// "username"/"domain" (string, ntlmv2 only). WPA/WPA2 must go through
// ComputeWPAPSK instead, matching the Python original's explicit
// rejection of algo.startswith("wpa") inside compute_hash.
func Compute(name Name, data []byte, extra map[string]any) ([]byte, error) {
	switch name {
	case Shake128, Shake256:
		length := DefaultShakeOutputLength
		if v, ok := extra["output_length"].(int); ok && v > 0 {
			length = v
		}
		out := make([]byte, length)
		var shaker sha3.ShakeHash
		if name == Shake128 {
			shaker = sha3.NewShake128()
		} else {
			shaker = sha3.NewShake256()
		}
		shaker.Write(data)
		if _, err := shaker.Read(out); err != nil {
			return nil, fmt.Errorf("shake read: %w", err)
		}
		return out, nil

	case NTLM:
		return computeNTLM(data)

	case NTLMv2:
		username, _ := extra["username"].(string)
		domain, _ := extra["domain"].(string)
		if username == "" {
			return nil, fmt.Errorf("ntlmv2 requires username parameter")
		}
		return computeNTLMv2(data, username, domain)

	case WPA, WPA2:
		return nil, fmt.Errorf("wpa/wpa2 requires ssid parameter, use ComputeWPAPSK")

	default:
		ctor, ok := plainDigests[name]
		if !ok {
			return nil, fmt.Errorf("unsupported algorithm: %s", name)
		}
		h := ctor()
		h.Write(data)
		return h.Sum(nil), nil
	}
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()

func toUTF16LE(s string) ([]byte, error) {
	return utf16le.Bytes([]byte(s))
}

// computeNTLM implements NTLM = MD4(UTF-16LE(password)).
func computeNTLM(password []byte) ([]byte, error) {
	encoded, err := toUTF16LE(string(password))
	if err != nil {
		return nil, fmt.Errorf("ntlm utf16le encode: %w", err)
	}
	h := md4.New()
	h.Write(encoded)
	return h.Sum(nil), nil
}

// computeNTLMv2 implements NTLMv2 = HMAC-MD5(ntlm_hash,
// UTF-16LE(uppercase(username+domain))).
func computeNTLMv2(password []byte, username, domain string) ([]byte, error) {
	ntlmHash, err := computeNTLM(password)
	if err != nil {
		return nil, err
	}
	identity := strings.ToUpper(username + domain)
	encoded, err := toUTF16LE(identity)
	if err != nil {
		return nil, fmt.Errorf("ntlmv2 utf16le encode: %w", err)
	}
	mac := hmac.New(md5.New, ntlmHash)
	mac.Write(encoded)
	return mac.Sum(nil), nil
}

// ComputeWPAPSK implements WPA/WPA2 PSK = PBKDF2-HMAC-SHA1(passphrase,
// ssid, 4096 iterations, 32-byte output), per spec §4.8.2.
func ComputeWPAPSK(passphrase, ssid string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
}

// All returns every algorithm name in the closed enumeration, for
// validation and test tables.
func All() []Name {
	return []Name{
		MD5, SHA1, SHA224, SHA256, SHA384, SHA512, SHA512224, SHA512256,
		SHA3224, SHA3256, SHA3384, SHA3512, Shake128, Shake256,
		Blake2b, Blake2s, NTLM, NTLMv2, WPA, WPA2,
	}
}
