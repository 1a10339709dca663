// Package identity builds normalized identity-matching keys from hints
// supplied by the domain layer. The replication engine never reads the
// payload to find identities; it only compares the keys built here.
package identity

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/iudanet/clinicsync/internal/models"
)

const (
	// PrefixExternalID точный внешний идентификатор
	PrefixExternalID = "id:"
	// PrefixNameDOB нормализованное имя + дата рождения
	PrefixNameDOB = "name-dob:"

	dobLayout = "2006-01-02"
)

// apostrophes удаляются, а не разделяют слова: "O'Brien" == "OBrien"
var apostrophes = runes.Remove(runes.Predicate(func(r rune) bool {
	return r == '\'' || r == '\u2019' || r == '\u02BC' || r == '`'
}))

// Keys строит отсортированный набор уникальных ключей для hint.
// Пустой или nil hint дает nil.
func Keys(hint *models.IdentityHint) ([]string, error) {
	if hint == nil {
		return nil, nil
	}

	var keys []string
	for _, id := range hint.ExternalIDs {
		normalized := normalizeExternalID(id)
		if normalized == "" {
			continue
		}
		keys = append(keys, PrefixExternalID+normalized)
	}

	if hint.FullName != "" || hint.DateOfBirth != "" {
		if hint.FullName == "" || hint.DateOfBirth == "" {
			return nil, fmt.Errorf("name and date of birth must be provided together")
		}
		dob, err := time.Parse(dobLayout, strings.TrimSpace(hint.DateOfBirth))
		if err != nil {
			return nil, fmt.Errorf("invalid date of birth %q: %w", hint.DateOfBirth, err)
		}
		name, err := NormalizeName(hint.FullName)
		if err != nil {
			return nil, err
		}
		if name != "" {
			keys = append(keys, PrefixNameDOB+name+"|"+dob.Format(dobLayout))
		}
	}

	if len(keys) == 0 {
		return nil, nil
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// NormalizeName приводит имя к форме для сравнения:
// убирает диакритику, приводит регистр (case folding), оставляет только
// буквы и цифры, слова сортируются, чтобы "Doe John" совпадал с "John Doe".
func NormalizeName(name string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), apostrophes, norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		return "", fmt.Errorf("failed to normalize name: %w", err)
	}
	// Caser хранит состояние, поэтому создается на каждый вызов
	folded := cases.Fold().String(stripped)

	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	slices.Sort(words)
	return strings.Join(words, " "), nil
}

func normalizeExternalID(id string) string {
	var b strings.Builder
	for _, r := range norm.NFKC.String(id) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
