// Package references builds the opaque strings handed to payment providers
// and decodes them when a callback returns them verbatim.
//
// Format: sub_{userId}_{planId} or cred_{userId}_{packageId}. The product id
// may itself contain the separator.
package references

import (
	"errors"
	"strings"
)

const separator = "_"

// Kind identifies what a reference pays for.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindCredit       Kind = "credit"
)

const (
	subscriptionPrefix = "sub"
	creditPrefix       = "cred"
)

// ErrInvalidReference is returned for any malformed or truncated reference.
var ErrInvalidReference = errors.New("invalid payment reference")

// Reference is a decoded payment reference.
type Reference struct {
	Kind      Kind
	UserID    string
	ProductID string
}

// Codec encodes and decodes payment references.
type Codec interface {
	EncodeSubscription(userID, planID string) string
	EncodeCredit(userID, packageID string) string
	Decode(reference string) (Reference, error)
}

type codec struct{}

// NewCodec returns the default reference codec.
func NewCodec() Codec {
	return codec{}
}

func (codec) EncodeSubscription(userID, planID string) string {
	return subscriptionPrefix + separator + userID + separator + planID
}

func (codec) EncodeCredit(userID, packageID string) string {
	return creditPrefix + separator + userID + separator + packageID
}

// Decode never returns a partially populated Reference: on error the zero value comes back.
func (codec) Decode(reference string) (Reference, error) {
	parts := strings.Split(reference, separator)
	if len(parts) < 3 {
		return Reference{}, ErrInvalidReference
	}

	var kind Kind
	switch parts[0] {
	case subscriptionPrefix:
		kind = KindSubscription
	case creditPrefix:
		kind = KindCredit
	default:
		return Reference{}, ErrInvalidReference
	}

	userID := parts[1]
	productID := strings.Join(parts[2:], separator)
	if userID == "" || productID == "" {
		return Reference{}, ErrInvalidReference
	}

	return Reference{Kind: kind, UserID: userID, ProductID: productID}, nil
}
