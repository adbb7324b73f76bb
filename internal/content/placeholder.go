package content

import (
	"html"
	"strings"
)

// Rule is one (key, value) substitution. Rules are applied in registration
// order, so earlier rules win when keys collide.
type Rule struct {
	Key   string
	Value string
}

// Placeholders substitutes bracket tokens like [FOOTER] in template text.
// Keys match case-insensitively, and each key also matches its HTML-entity
// escaped form and a form with internal spaces replaced by &nbsp; — WYSIWYG
// editors routinely mangle placeholder keys both ways.
//
// The fallback form [KEY%%default text] substitutes the key's value when it
// is non-empty and the literal default otherwise.
//
// Apply is a single left-to-right pass over the input: substituted values
// are never rescanned, so a value containing brackets cannot be re-expanded
// by a later rule or a later Apply call. Unknown tokens are left intact
// because conditional markup shares the bracket syntax.
type Placeholders struct {
	rules  []Rule
	lookup map[string]int // variant (lowercased) -> index into rules
}

func NewPlaceholders() *Placeholders {
	return &Placeholders{lookup: make(map[string]int)}
}

// Set registers a substitution rule. The first registration of a key wins.
func (p *Placeholders) Set(key, value string) {
	if key == "" {
		return
	}
	idx := len(p.rules)
	p.rules = append(p.rules, Rule{Key: key, Value: value})
	for _, variant := range keyVariants(key) {
		if _, ok := p.lookup[variant]; !ok {
			p.lookup[variant] = idx
		}
	}
}

// SetAll registers every entry of the map, in sorted-key order via the
// caller if ordering matters; map iteration order is fine when keys are
// disjoint.
func (p *Placeholders) SetAll(values map[string]string) {
	for k, v := range values {
		p.Set(k, v)
	}
}

// Rules returns the registered rules in order, for diagnostics and tests.
func (p *Placeholders) Rules() []Rule {
	return p.rules
}

// Apply substitutes all registered placeholders in text.
func (p *Placeholders) Apply(text string) string {
	if len(p.rules) == 0 || !strings.Contains(text, "[") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for {
		open := strings.Index(text[i:], "[")
		if open < 0 {
			b.WriteString(text[i:])
			break
		}
		open += i
		close := strings.Index(text[open:], "]")
		if close < 0 {
			b.WriteString(text[i:])
			break
		}
		close += open

		token := text[open+1 : close]
		name, def, hasDefault := strings.Cut(token, "%%")
		idx, known := p.lookup[strings.ToLower(name)]
		if !known {
			// Leave the bracket intact and keep scanning just past it, so
			// an unknown token never hides a known one that follows.
			b.WriteString(text[i : open+1])
			i = open + 1
			continue
		}

		value := p.rules[idx].Value
		b.WriteString(text[i:open])
		if hasDefault && value == "" {
			b.WriteString(def)
		} else {
			b.WriteString(value)
		}
		i = close + 1
	}
	return b.String()
}

// keyVariants returns the lowercased match forms of a key: the key itself,
// its HTML-entity-escaped form, and its &nbsp;-for-space form.
func keyVariants(key string) []string {
	lower := strings.ToLower(key)
	variants := []string{lower}
	if escaped := strings.ToLower(html.EscapeString(key)); escaped != lower {
		variants = append(variants, escaped)
	}
	if strings.Contains(key, " ") {
		variants = append(variants, strings.ReplaceAll(lower, " ", "&nbsp;"))
	}
	return variants
}
