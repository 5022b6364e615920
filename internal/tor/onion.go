package tor

import (
	"encoding/base32"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// OnionSuffix is the top-level label of onion service addresses.
	OnionSuffix = ".onion"

	// OnionV3TotalLength is the length of a v3 address including the suffix.
	OnionV3TotalLength = 62

	// onionV3Version is the trailing version byte of a v3 address.
	onionV3Version = 0x03
)

var (
	onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)
	onionV2Pattern = regexp.MustCompile(`^[a-z2-7]{16}\.onion$`)
)

// checksumPrefix is hashed ahead of the key when computing a v3 checksum.
var checksumPrefix = []byte(".onion checksum")

// IsOnionHost reports whether host is inside the .onion namespace.
// Subdomains such as "www.<addr>.onion" count.
func IsOnionHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), OnionSuffix)
}

// OnionServiceAddress returns the last two labels of an onion host, which is
// the part that carries the service key.
func OnionServiceAddress(host string) string {
	host = strings.ToLower(host)
	labels := strings.Split(strings.TrimSuffix(host, OnionSuffix), ".")
	return labels[len(labels)-1] + OnionSuffix
}

// IsValidV3Address reports whether address is a v3 onion address with a
// correct checksum and version byte.
func IsValidV3Address(address string) bool {
	address = strings.ToLower(address)
	if !onionV3Pattern.MatchString(address) {
		return false
	}

	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(strings.TrimSuffix(address, OnionSuffix)))
	if err != nil || len(decoded) != 35 {
		return false
	}

	// pubkey(32) || checksum(2) || version(1)
	pubkey, checksum, version := decoded[:32], decoded[32:34], decoded[34]
	if version != onionV3Version {
		return false
	}
	want := v3Checksum(pubkey, version)
	return checksum[0] == want[0] && checksum[1] == want[1]
}

// IsV2Address reports whether address has the shape of a retired v2 address.
func IsV2Address(address string) bool {
	return onionV2Pattern.MatchString(strings.ToLower(address))
}

// V3AddressFromPublicKey derives the v3 onion address of an ed25519 key.
func V3AddressFromPublicKey(pubkey []byte) (string, bool) {
	if len(pubkey) != 32 {
		return "", false
	}
	data := make([]byte, 35)
	copy(data, pubkey)
	copy(data[32:], v3Checksum(pubkey, onionV3Version))
	data[34] = onionV3Version
	return strings.ToLower(base32.StdEncoding.EncodeToString(data)) + OnionSuffix, true
}

// v3Checksum is H(".onion checksum" || pubkey || version)[:2] with SHA3-256.
func v3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)
	sum := sha3.Sum256(data)
	return sum[:2]
}
