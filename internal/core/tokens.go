package core

// TokenField is how a recipient record stores its delivery tokens. Older
// records carry a single token, newer ones a list; both decode into one of
// the three variants below.
type TokenField interface {
	tokenField()
}

type NoToken struct{}

type SingleToken string

type MultiToken []string

func (NoToken) tokenField()     {}
func (SingleToken) tokenField() {}
func (MultiToken) tokenField()  {}

// DecodeTokenField builds the variant for the legacy single column and the
// list column. A legacy token missing from the list is appended to it.
func DecodeTokenField(single *string, multi []string) TokenField {
	hasSingle := single != nil && *single != ""
	switch {
	case len(multi) > 0 && hasSingle:
		for _, t := range multi {
			if t == *single {
				return MultiToken(multi)
			}
		}
		out := make([]string, 0, len(multi)+1)
		out = append(out, multi...)
		return MultiToken(append(out, *single))
	case len(multi) > 0:
		return MultiToken(multi)
	case hasSingle:
		return SingleToken(*single)
	default:
		return NoToken{}
	}
}

// Normalize returns the distinct non-empty tokens of f in stored order.
func Normalize(f TokenField) []string {
	switch v := f.(type) {
	case SingleToken:
		if v == "" {
			return nil
		}
		return []string{string(v)}
	case MultiToken:
		seen := make(map[string]struct{}, len(v))
		out := make([]string, 0, len(v))
		for _, t := range v {
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}
