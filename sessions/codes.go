package sessions

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"regexp"
)

const (
	// CodeLength is the number of characters in an access code.
	CodeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// largest multiple of len(codeAlphabet) that fits in a byte
	codeRejectAt = 252
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// ValidCode reports whether s has the shape of an access code.
func ValidCode(s string) bool { return codePattern.MatchString(s) }

// NewCode draws a uniformly random access code from crypto/rand.
func NewCode() (string, error) {
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, 16)
	for len(out) < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if b >= codeRejectAt {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

var adjectives = []string{
	"Amber", "Brave", "Calm", "Clever", "Cosmic", "Crimson", "Daring", "Eager",
	"Fuzzy", "Gentle", "Golden", "Happy", "Hidden", "Jolly", "Lucky", "Mellow",
	"Misty", "Nimble", "Quiet", "Rapid", "Silent", "Silver", "Sleepy", "Swift",
	"Tiny", "Velvet", "Witty", "Zesty",
}

var animals = []string{
	"Badger", "Beaver", "Falcon", "Ferret", "Fox", "Gecko", "Heron", "Koala",
	"Lemur", "Lynx", "Marmot", "Moose", "Narwhal", "Otter", "Owl", "Panda",
	"Panther", "Penguin", "Quokka", "Raven", "Seal", "Sparrow", "Tiger", "Walrus",
	"Wombat", "Yak",
}

// NewAlias returns an adjective and animal pair such as "Swift Otter".
// Aliases are cosmetic and may repeat.
func NewAlias() string {
	return adjectives[mrand.IntN(len(adjectives))] + " " + animals[mrand.IntN(len(animals))]
}
