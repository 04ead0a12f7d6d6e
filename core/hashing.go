package core

import (
	"sort"
	"strings"
)

// strippedUnitForHashing builds the canonical map used to compute a unit's
// unit_id: authentifiers and any existing ball are stripped, authors are
// sorted lexicographically by address, and message payloads are removed in
// favor of their payload_hash.
func strippedUnitForHashing(u Unit) map[string]interface{} {
	authors := make([]map[string]interface{}, len(u.Authors))
	sortedAuthors := append([]Author{}, u.Authors...)
	sort.Slice(sortedAuthors, func(i, j int) bool { return sortedAuthors[i].Address < sortedAuthors[j].Address })
	for i, a := range sortedAuthors {
		m := map[string]interface{}{"address": a.Address}
		if a.Definition != nil {
			m["definition"] = a.Definition
		}
		authors[i] = m
		// authentifiers deliberately omitted: stripped from the hashed form.
	}

	messages := make([]map[string]interface{}, len(u.Messages))
	for i, m := range u.Messages {
		messages[i] = map[string]interface{}{
			"app":              string(m.App),
			"payload_location": string(m.PayloadLoc),
			"payload_hash":     m.PayloadHash,
			// payload itself deliberately omitted from the hashed form.
		}
	}

	out := map[string]interface{}{
		"version":            u.Version,
		"alt":                u.Alt,
		"parent_units":       toAnySlice(u.ParentUnits),
		"witness_list_unit":  u.WitnessListUnit,
		"timestamp":          u.Timestamp,
		"authors":            authorsToAny(authors),
		"messages":           messagesToAny(messages),
		"headers_commission": u.HeadersCommission,
		"payload_commission": u.PayloadCommission,
	}
	if u.LastBallUnit != "" {
		out["last_ball_unit"] = u.LastBallUnit
		out["last_ball"] = u.LastBall
	}
	if len(u.Witnesses) > 0 {
		out["witnesses"] = toAnySlice(u.Witnesses)
	}
	// ball is never included: stripped from the hashed form by definition.
	return out
}

func toAnySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func authorsToAny(a []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(a))
	for i, m := range a {
		out[i] = m
	}
	return out
}

func messagesToAny(m []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(m))
	for i, mm := range m {
		out[i] = mm
	}
	return out
}

// UnitHash computes unit_id = Hash(stripped canonical form). Protected
// against panics: CanonicalEncode never panics on the concrete
// map/slice/string/number inputs built by strippedUnitForHashing.
func UnitHash(u Unit) (Hash32, error) {
	stripped := strippedUnitForHashing(u)
	canon, err := CanonicalEncode(stripped, true)
	if err != nil {
		return Hash32{}, jointErr("hashing.UnitHash", "canonicalize unit", err)
	}
	return sha256Of(canon), nil
}

// BallHash computes ball_hash(unit_id, parent_balls, skiplist_balls,
// is_nonserial): concatenated base64 strings joined with newlines then
// SHA-256'd. parentBalls must already be in the unit's
// parent order; skiplistBalls in ascending order.
func BallHash(unitID string, parentBalls []string, skiplistBalls []string, isNonserial bool) Hash32 {
	var b strings.Builder
	b.WriteString(unitID)
	for _, pb := range parentBalls {
		b.WriteString("\n")
		b.WriteString(pb)
	}
	if len(skiplistBalls) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(skiplistBalls, "\n"))
	}
	if isNonserial {
		b.WriteString("\nis_nonserial")
	}
	return sha256Of([]byte(b.String()))
}
