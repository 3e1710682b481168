// Package auth provides bearer-token authorization of gateway requests, and
// the credentials with which staged objects are uploaded and bulk-loaded.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Capability is a bit-mask of operations which a request may perform.
type Capability uint32

const (
	// Capability_CREATE allows creating records of a resource.
	Capability_CREATE Capability = 1 << 0
	// Capability_LIST allows listing pending and persisted records of a resource.
	Capability_LIST Capability = 1 << 1
	// Capability_DEBUG allows inspecting buffer depths and requesting flushes.
	Capability_DEBUG Capability = 1 << 2
)

// Claims of a bearer token.
type Claims struct {
	jwt.RegisteredClaims
	// Capability granted by the token.
	Capability Capability `json:"cap"`
	// Resources to which the token is scoped. If empty, all resources.
	Resources []string `json:"res,omitempty"`
}

// Allows returns true if the Claims apply to the named resource.
func (c Claims) Allows(resource string) bool {
	if len(c.Resources) == 0 {
		return true
	}
	for _, r := range c.Resources {
		if r == resource {
			return true
		}
	}
	return false
}

// NewKeyedAuth returns a KeyedAuth using the given pre-shared secret keys,
// which are base64 encoded and separated by whitespace and/or commas.
//
// The first key is used for signing Authorizations, and any key may verify
// a presented Authorization.
//
// The special value `AA==` (the base64 encoding of a single zero byte)
// will allow requests missing an authorization header to proceed, and should
// only be used temporarily while rolling out authorization.
func NewKeyedAuth(base64Keys string) (*KeyedAuth, error) {
	var keys jwt.VerificationKeySet
	var allowMissing bool

	for i, key := range strings.Fields(strings.ReplaceAll(base64Keys, ",", " ")) {
		if key == "AA==" {
			allowMissing = true
		} else if b, err := base64.StdEncoding.DecodeString(key); err != nil {
			return nil, fmt.Errorf("failed to decode key at index %d: %w", i, err)
		} else {
			keys.Keys = append(keys.Keys, b)
		}
	}
	if len(keys.Keys) == 0 {
		return nil, fmt.Errorf("at least one key must be provided")
	}
	return &KeyedAuth{keys, allowMissing}, nil
}

// KeyedAuth signs and verifies bearer tokens using symmetric, pre-shared keys.
type KeyedAuth struct {
	jwt.VerificationKeySet
	allowMissing bool
}

// Authorize returns an Authorization header value bearing the signed Claims,
// which expire after |exp|.
func (k *KeyedAuth) Authorize(claims Claims, exp time.Duration) (string, error) {
	var now = time.Now()
	claims.IssuedAt = &jwt.NumericDate{Time: now}
	claims.ExpiresAt = &jwt.NumericDate{Time: now.Add(exp)}

	var token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Keys[0])
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

// Verify the Authorization header value, and that its Claims carry the
// required Capability.
func (k *KeyedAuth) Verify(header string, require Capability) (Claims, error) {
	if header == "" {
		if k.allowMissing {
			return Claims{
				Capability: require,
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				},
			}, nil
		}
		return Claims{}, ErrMissingAuth
	} else if !strings.HasPrefix(header, "Bearer ") {
		return Claims{}, ErrNotBearer
	}
	var bearer = strings.TrimPrefix(header, "Bearer ")
	var claims Claims

	if token, err := jwt.ParseWithClaims(bearer, &claims,
		func(token *jwt.Token) (interface{}, error) { return k.VerificationKeySet, nil },
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Second*5),
		jwt.WithValidMethods([]string{"HS256", "HS384"}),
	); err != nil {
		return Claims{}, fmt.Errorf("verifying Authorization: %w", err)
	} else if !token.Valid {
		return Claims{}, fmt.Errorf("verifying Authorization: token is not valid")
	} else if err = verifyCapability(claims.Capability, require); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func verifyCapability(actual, require Capability) error {
	if actual&require == require {
		return nil
	}

	for _, i := range []struct {
		cap  Capability
		name string
	}{
		{Capability_CREATE, "CREATE"},
		{Capability_LIST, "LIST"},
		{Capability_DEBUG, "DEBUG"},
	} {
		if require&i.cap != 0 && actual&i.cap == 0 {
			return &CapabilityError{fmt.Sprintf("authorization is missing required %s capability", i.name)}
		}
	}

	return &CapabilityError{fmt.Sprintf("authorization is missing required capability (have %s, but require %s)",
		strconv.FormatUint(uint64(actual), 2), strconv.FormatUint(uint64(require), 2))}
}

// CapabilityError is returned by Verify for a valid Authorization which
// doesn't carry a required Capability.
type CapabilityError struct{ msg string }

func (e *CapabilityError) Error() string { return e.msg }

var (
	ErrMissingAuth = errors.New("missing or empty Authorization token")
	ErrNotBearer   = errors.New("invalid or unsupported Authorization header (expected 'Bearer')")
)
