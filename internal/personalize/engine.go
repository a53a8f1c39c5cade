// Package personalize detects {{variable}} placeholders in notification
// content and renders them against a recipient profile.
package personalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Cypherspark/push-dispatch/internal/core"
)

type Mode int

const (
	// Bulk content has no recognized placeholder and is rendered once.
	Bulk Mode = iota
	// Personalized content is rendered once per recipient.
	Personalized
)

func (m Mode) String() string {
	if m == Personalized {
		return "personalized"
	}
	return "bulk"
}

const (
	VarFullName      = "fullName"
	VarFirstName     = "firstName"
	VarEmail         = "email"
	VarPhone         = "phone"
	VarCategory      = "category"
	VarCity          = "city"
	VarDistrict      = "district"
	VarRating        = "rating"
	VarReviewCount   = "reviewCount"
	VarCompletedJobs = "completedJobs"
)

const (
	DefaultName     = "Değerli Kullanıcı"
	DefaultCategory = "Hizmet Veren"
)

var placeholderRE = regexp.MustCompile(`\{\{([A-Za-z][A-Za-z0-9_]*)\}\}`)

type resolver func(p core.Profile) string

var known = map[string]resolver{
	VarFullName:  func(p core.Profile) string { return orDefault(p.FullName, DefaultName) },
	VarFirstName: firstName,
	VarEmail:     func(p core.Profile) string { return p.Email },
	VarPhone:     func(p core.Profile) string { return p.Phone },
	VarCategory:  func(p core.Profile) string { return orDefault(p.Category, DefaultCategory) },
	VarCity:      func(p core.Profile) string { return p.City },
	VarDistrict:  func(p core.Profile) string { return p.District },
	VarRating: func(p core.Profile) string {
		if p.Rating == nil {
			return "0.0"
		}
		return strconv.FormatFloat(*p.Rating, 'f', 1, 64)
	},
	VarReviewCount:   func(p core.Profile) string { return strconv.Itoa(p.ReviewCount) },
	VarCompletedJobs: func(p core.Profile) string { return strconv.Itoa(p.CompletedJobs) },
}

// Known reports whether name is a supported variable.
func Known(name string) bool {
	_, ok := known[name]
	return ok
}

// Detect picks the dispatch mode for c. Only title and body are inspected.
func Detect(c core.Content) Mode {
	if hasKnown(c.Title) || hasKnown(c.Body) {
		return Personalized
	}
	return Bulk
}

func hasKnown(s string) bool {
	for _, m := range placeholderRE.FindAllStringSubmatch(s, -1) {
		if Known(m[1]) {
			return true
		}
	}
	return false
}

// Render substitutes every recognized placeholder in title and body with the
// profile value. Unrecognized placeholders are kept as written.
func Render(c core.Content, p core.Profile) core.Content {
	out := c
	out.Title = RenderText(c.Title, p)
	out.Body = RenderText(c.Body, p)
	return out
}

func RenderText(s string, p core.Profile) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRE.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-2]
		if r, ok := known[name]; ok {
			return r(p)
		}
		return match
	})
}

// Variables lists the recognized variables of the given texts in order of
// first appearance.
func Variables(texts ...string) []string {
	return collect(true, texts...)
}

// Unknown lists placeholder names that are not supported.
func Unknown(texts ...string) []string {
	return collect(false, texts...)
}

func collect(wantKnown bool, texts ...string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range texts {
		for _, m := range placeholderRE.FindAllStringSubmatch(s, -1) {
			name := m[1]
			if Known(name) != wantKnown {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func firstName(p core.Profile) string {
	if p.FirstName != "" {
		return p.FirstName
	}
	if f := strings.Fields(p.FullName); len(f) > 0 {
		return f[0]
	}
	return DefaultName
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
