package token

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"
)

const (
	TokenVersionV01 = 0x01

	randomLen = 19
	tokenLen  = 1 + randomLen
)

var ErrorInvalidTokenString = errors.New("invalid token string")
var ErrorInvalidTokenFormat = errors.New("invalid token format")

// Byte structure of a token is <version:1><random:19>, text form is unpadded Base32.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Token is the liveness value the relay rotates every probe cycle.
// The zero value means "no token" and encodes as an empty string.
// Tokens are comparable with ==.
type Token struct {
	b [tokenLen]byte
	s string
}

func (t Token) String() string {
	return t.s
}

func (t Token) IsZero() bool {
	return t.s == ""
}

func (t Token) MarshalBinary() ([]byte, error) {
	if t.IsZero() {
		return []byte{}, nil
	}
	return t.b[:], nil
}

func (t *Token) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*t = Token{}
		return nil
	}

	switch data[0] {
	case TokenVersionV01:
		if len(data) != tokenLen {
			return ErrorInvalidTokenString
		}
		copy(t.b[:], data)
		t.s = encoding.EncodeToString(data)
	default:
		return ErrorInvalidTokenFormat
	}

	return nil
}

func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Token) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	tok, err := FromString(s)
	if err != nil {
		return err
	}
	*t = tok
	return nil
}

// FromString parses the text form of a token. An empty string yields the zero token.
func FromString(s string) (Token, error) {
	if s == "" {
		return Token{}, nil
	}

	raw, err := encoding.DecodeString(s)
	if err != nil {
		return Token{}, ErrorInvalidTokenString
	}

	var t Token
	if err := t.UnmarshalBinary(raw); err != nil {
		return Token{}, err
	}
	return t, nil
}

func FromStringMustParse(s string) Token {
	t, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse token: %v", err)
	}
	return t
}

// Random generates a fresh, unguessable token.
func Random() (Token, error) {
	buf := make([]byte, tokenLen)
	buf[0] = TokenVersionV01
	if _, err := rand.Read(buf[1:]); err != nil {
		return Token{}, err
	}

	var t Token
	if err := t.UnmarshalBinary(buf); err != nil {
		return Token{}, err
	}
	return t, nil
}
