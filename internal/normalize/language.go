package normalize

import (
	"strings"
	"sync"

	"github.com/pemistahl/lingua-go"
)

// maxSampleRunes bounds the text handed to the detector.
const maxSampleRunes = 4000

// Lingua detects the posting language with lingua-go. The detector is built
// lazily because loading its models is expensive.
type Lingua struct {
	once      sync.Once
	languages []lingua.Language
	detector  lingua.LanguageDetector
}

// NewLingua restricts detection to the given languages; none means a default
// set of common job-market languages.
func NewLingua(languages ...lingua.Language) *Lingua {
	if len(languages) == 0 {
		languages = []lingua.Language{
			lingua.English, lingua.German, lingua.French, lingua.Spanish,
			lingua.Portuguese, lingua.Italian, lingua.Dutch, lingua.Polish,
		}
	}
	return &Lingua{languages: languages}
}

// Detect implements LanguageDetector.
func (l *Lingua) Detect(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	l.once.Do(func() {
		l.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(l.languages...).
			Build()
	})
	language, ok := l.detector.DetectLanguageOf(sample(text))
	if !ok {
		return ""
	}
	return strings.ToLower(language.IsoCode639_1().String())
}

// ParseLanguages maps ISO 639-1 codes such as "en" or "de" to lingua
// languages, skipping codes lingua does not know.
func ParseLanguages(codes []string) []lingua.Language {
	out := make([]lingua.Language, 0, len(codes))
	for _, code := range codes {
		iso := lingua.GetIsoCode639_1FromValue(strings.ToUpper(strings.TrimSpace(code)))
		lang := lingua.GetLanguageFromIsoCode639_1(iso)
		if lang == lingua.Unknown {
			continue
		}
		out = append(out, lang)
	}
	return out
}

func sample(text string) string {
	out, _ := truncate(text, maxSampleRunes)
	return out
}
