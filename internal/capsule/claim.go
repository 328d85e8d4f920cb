package capsule

import (
	"fmt"

	"github.com/kokistudios/vireon/internal/canonical"
)

// ClaimEntry names the falsifiers that must hold for one claim.
type ClaimEntry struct {
	ID                 string
	RequiredFalsifiers []string
}

// Claim is an externally authored document of the shape
//
//	{"claims": [{"id": "...", "required_falsifiers": ["..."]}]}
type Claim struct {
	Claims []ClaimEntry
}

// ParseClaim decodes a claim document. It rejects documents that are not
// objects or whose claims field is present but not a list; an absent or
// empty list parses to an empty Claim and is left for the verifier to judge.
func ParseClaim(data []byte) (Claim, error) {
	v, err := canonical.Decode(data)
	if err != nil {
		return Claim{}, err
	}
	if v.Kind() != canonical.KindObject {
		return Claim{}, fmt.Errorf("claim document must be a JSON object, got %s", v.Kind())
	}

	list, ok := v.Get("claims")
	if !ok || list.IsNull() {
		return Claim{}, nil
	}
	if list.Kind() != canonical.KindArray {
		return Claim{}, fmt.Errorf("claims must be a list, got %s", list.Kind())
	}

	var c Claim
	for i, item := range list.Items() {
		if item.Kind() != canonical.KindObject {
			return Claim{}, fmt.Errorf("claims[%d] must be an object, got %s", i, item.Kind())
		}
		entry := ClaimEntry{ID: str(item, "id")}
		req := get(item, "required_falsifiers")
		if !req.IsNull() && req.Kind() != canonical.KindArray {
			return Claim{}, fmt.Errorf("claims[%d].required_falsifiers must be a list, got %s", i, req.Kind())
		}
		for j, name := range req.Items() {
			s, ok := name.AsString()
			if !ok {
				return Claim{}, fmt.Errorf("claims[%d].required_falsifiers[%d] must be a string, got %s", i, j, name.Kind())
			}
			entry.RequiredFalsifiers = append(entry.RequiredFalsifiers, s)
		}
		c.Claims = append(c.Claims, entry)
	}
	return c, nil
}

// Value is the claim as a canonical document.
func (c Claim) Value() canonical.Value {
	entries := make([]canonical.Value, len(c.Claims))
	for i, e := range c.Claims {
		entries[i] = canonical.Object(map[string]canonical.Value{
			"id":                  canonical.String(e.ID),
			"required_falsifiers": canonical.Strings(e.RequiredFalsifiers...),
		})
	}
	return canonical.Object(map[string]canonical.Value{
		"claims": canonical.Array(entries...),
	})
}

// ClaimDigest returns the value a capsule records as claim_sha256: the hex
// SHA-256 of the claim document after canonicalization.
func ClaimDigest(raw []byte) (string, error) {
	return canonical.HashJSON(raw)
}
