package ident

import (
	"strings"

	"github.com/roach88/protocore/internal/wire"
)

// CoreDetails are the identity details shown to the other party.
type CoreDetails struct {
	FirstName string
	LastName  string
	Company   string
}

// DisplayName joins the non-empty name parts.
func (d CoreDetails) DisplayName() string {
	return strings.TrimSpace(strings.Join([]string{d.FirstName, d.LastName}, " "))
}

// Wire encodes the details as a three-element list.
func (d CoreDetails) Wire() wire.Value {
	return wire.List{
		wire.String(d.FirstName),
		wire.String(d.LastName),
		wire.String(d.Company),
	}
}

// DetailsFromWire decodes a three-element details list.
func DetailsFromWire(v wire.Value) (CoreDetails, error) {
	l, err := wire.ExpectList(v, 3)
	if err != nil {
		return CoreDetails{}, err
	}
	var d CoreDetails
	fields := []*string{&d.FirstName, &d.LastName, &d.Company}
	for i, f := range fields {
		s, err := wire.AsString(l[i])
		if err != nil {
			return CoreDetails{}, err
		}
		*f = s
	}
	return d, nil
}
