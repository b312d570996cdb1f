package analyzer

import (
	"strings"

	"github.com/grafana/regexp"

	"github.com/ivoronin/shredhound/internal/types"
)

// Two code fragments made entirely of boilerplate are not evidence of
// copying. A feature is insignificant when nothing remains after stripping
// punctuation and every match of the active language's boilerplate
// patterns. Insignificance can later be healed during range merging, when
// the same text occurs somewhere it was significant.

var cPatterns = compile([]string{
	// Idioms that don't convey any meaning in isolation
	"return [a-z]+", "return [01]+",
	"goto +[a-z]+", "exit *[01]",
	// Pragma comments
	" ARGSUSED ",
	" NOTREACHED ",
	" FALL *THRO?UG?H? ",
	// Bare C keywords and primitive type names
	" auto ", " break ", " case ", "char", " const ", " continue ",
	" default ", " do ", " double ", " else ", " enum ", " extern ",
	" float ", " for ", " goto ", " if ", " int ", " long ", " register ",
	" return ", " short ", " signed ", " sizeof ", " static ", " struct ",
	" switch ", " typedef ", " union ", " unsigned ", " void ",
	" volatile ", " while ",
	// Preprocessor constructs; the # has already been turned into a space
	"^ define", " endif", " else", " ifdef ", " ifndef ",
	// Common preprocessor macros, not significant by themselves
	" ASSERT ", " EXTERN ", " FALSE ", " NULL ", " STATIC ", " TRUE ",
	// Include and line directives are noise, too
	" include .*", " line .*",
	// Common error constants
	" EFAULT ",
	" EINVAL ",
	" ENOSYS ",
})

var shellPatterns = compile([]string{
	" break ", " case ", " done ", " do ", " else ", " esac ", " exit *[01]?",
	" false ", " fi ", " for", " function", " if ", " return ", " shift ",
	" true ", "until", " while ",
})

func compile(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// significant reports whether a normalized feature carries material beyond
// punctuation and boilerplate. Uncategorized features are always
// significant: without a language there is no boilerplate list to apply.
func significant(text string, mode byte) bool {
	var patterns []*regexp.Regexp
	switch {
	case mode&types.FlagCCode != 0:
		patterns = cPatterns
	case mode&types.FlagShellCode != 0:
		patterns = shellPatterns
	default:
		return true
	}

	// Pad with spaces and turn every punctuation character into a space,
	// so the word-boundary patterns above can anchor on spaces alone.
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	for i := 0; i < len(text); i++ {
		c := text[i]
		if isPunct(c) || c == '\t' || c == '\n' {
			b.WriteByte(' ')
		} else {
			b.WriteByte(c)
		}
	}
	b.WriteByte(' ')
	buf := b.String()

	if strings.TrimSpace(buf) == "" {
		return false
	}

	// Excise every pattern match, repeating until a full pass changes
	// nothing. Excision can bring separated words together into new
	// matches, hence the fixpoint loop.
	for changed := true; changed; {
		changed = false
		for _, re := range patterns {
			for {
				loc := re.FindStringIndex(buf)
				if loc == nil {
					break
				}
				buf = buf[:loc[0]] + buf[loc[1]:]
				changed = true
			}
		}
	}

	return strings.TrimSpace(buf) != ""
}

// isPunct matches ASCII punctuation, the same set C's ispunct covers.
func isPunct(c byte) bool {
	return c >= '!' && c <= '~' &&
		!(c >= '0' && c <= '9') &&
		!(c >= 'A' && c <= 'Z') &&
		!(c >= 'a' && c <= 'z')
}
