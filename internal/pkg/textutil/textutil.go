// Package textutil normalises scraped Spanish text for keyword search and
// fuzzy comparison.
package textutil

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stopwords = map[string]struct{}{
	"de": {}, "del": {}, "la": {}, "las": {}, "el": {}, "los": {}, "y": {}, "en": {},
	"a": {}, "al": {}, "un": {}, "una": {}, "con": {}, "por": {}, "para": {}, "se": {},
	"venta": {}, "vende": {}, "calle": {}, "c": {}, "avda": {}, "avenida": {}, "plaza": {},
	"n": {}, "no": {}, "s": {}, "sn": {},
}

// StripHTML 提取 HTML 片段中的纯文本；非 HTML 输入原样返回（去除首尾空白）。
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Fold 去掉重音符号并转为小写。
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Normalize 折叠重音、小写，并把非字母数字字符替换为单个空格。
func Normalize(s string) string {
	folded := Fold(s)
	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens 返回去除停用词后的规范化词元。
func Tokens(s string) []string {
	fields := strings.Fields(Normalize(s))
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ContainsPhrase reports whether phrase occurs in text on word boundaries,
// after both are normalised.
func ContainsPhrase(text, phrase string) bool {
	p := Normalize(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+Normalize(text)+" ", " "+p+" ")
}

// Jaccard 计算两个词元集合的 Jaccard 相似度（0-100）。
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	return 100 * float64(inter) / float64(union)
}

// LevenshteinRatio 返回基于编辑距离的相似度（0-100）。
func LevenshteinRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 100
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(d)/float64(longest))
}

// fuzzyTokenMin 单个词元的编辑距离相似度低于该值时不计分。
const fuzzyTokenMin = 75

// Similarity 组合包含关系、词元 Jaccard 与逐词元的编辑距离覆盖率，返回 0-100 的相似度。
//
// needle 的全部词元出现在 haystack 中时视为包含（100 分）。
func Similarity(needle, haystack string) float64 {
	nt, ht := Tokens(needle), Tokens(haystack)
	if len(nt) == 0 || len(ht) == 0 {
		return 0
	}
	if containsAll(ht, nt) {
		return 100
	}
	best := Jaccard(nt, ht)
	if c := fuzzyCoverage(nt, ht); c > best {
		best = c
	}
	return best
}

// fuzzyCoverage 对 needle 的每个词元取 haystack 中最接近词元的相似度，求平均。
func fuzzyCoverage(needle, haystack []string) float64 {
	total := 0.0
	for _, n := range needle {
		top := 0.0
		for _, h := range haystack {
			if r := LevenshteinRatio(n, h); r > top {
				top = r
			}
		}
		if top >= fuzzyTokenMin {
			total += top
		}
	}
	return total / float64(len(needle))
}

func containsAll(haystack, needle []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, t := range haystack {
		set[t] = struct{}{}
	}
	for _, t := range needle {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
