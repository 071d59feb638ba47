package conversation

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"lastmile/internal/model"
)

// Phrase lists favour precision over recall. Bare thanks ("شكرا", "thanks") and bare
// greetings ("سلام") are not goodbyes.
var goodbyePhrases = []string{
	"bye", "goodbye", "good bye", "bye bye", "thanks bye", "thank you bye", "see you",
	"مع السلامة", "في امان الله", "باي", "الله يعطيك العافية", "يعطيك العافية",
}

var satisfiedPhrases = []string{
	"no thanks", "no thank you", "that's all", "that is all", "nothing else", "all good now",
	"لا شكرا", "لا ما احتاج", "تمام بس", "كذا تمام", "لا بس كذا", "ما احتاج شي",
}

// wholeMessagePhrases only count when they are the entire message; "خلاص" also
// opens requests ("خلاص غير الموعد").
var wholeMessagePhrases = []string{"خلاص", "خلاص شكرا", "that's it", "done thanks"}

// requestPhrases reopen a RESOLVED conversation. Anything else on RESOLVED stays a plain
// MESSAGE_RECEIVED, so a late "شكرا" does not undo the resolution.
var requestPhrases = []string{
	"actually", "one more thing", "another thing", "i need", "i want", "can you", "could you",
	"change", "reschedule", "new address", "different time",
	"ابي", "ابغى", "ابغي", "ممكن", "غير", "غيروا", "عدل", "عندي طلب", "طلب ثاني", "شي ثاني",
}

// longMessageTokens is the size past which a message is assumed to carry a request.
const longMessageTokens = 12

var (
	goodbyeTokens   = tokenizeAll(goodbyePhrases)
	satisfiedTokens = tokenizeAll(satisfiedPhrases)
	wholeTokens     = tokenizeAll(wholeMessagePhrases)
	requestTokens   = tokenizeAll(requestPhrases)
)

// DetectIntent classifies an inbound message. Anything that is not clearly a goodbye or a
// "no more help needed" is MESSAGE_RECEIVED. Questions and long messages never close.
func DetectIntent(message string) model.ConversationEvent {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "؟") {
		return model.EventMessageReceived
	}
	tokens := tokenize(trimmed)
	if len(tokens) == 0 || len(tokens) > longMessageTokens {
		return model.EventMessageReceived
	}
	if matchesAny(tokens, goodbyeTokens) {
		return model.EventCustomerGoodbye
	}
	if matchesAny(tokens, satisfiedTokens) {
		return model.EventCustomerSatisfied
	}
	for _, p := range wholeTokens {
		if len(p) == len(tokens) && containsRun(tokens, p) {
			return model.EventCustomerSatisfied
		}
	}
	return model.EventMessageReceived
}

// IsNewRequest reports whether a message explicitly asks for something new.
func IsNewRequest(message string) bool {
	return matchesAny(tokenize(message), requestTokens)
}

// normalize folds case and width, strips diacritics and tatweel, and unifies
// alef/ya/ta-marbuta variants so "أحتاج" and "احتاج" compare equal.
func normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFKC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = cases.Fold().String(out)
	return arabicFolder.Replace(out)
}

var arabicFolder = strings.NewReplacer(
	"أ", "ا", "إ", "ا", "آ", "ا", "ٱ", "ا",
	"ى", "ي", "ة", "ه", "ـ", "",
	"’", "'", "‘", "'",
)

func tokenize(s string) []string {
	s = normalize(s)
	// apostrophes join contractions ("that's") rather than splitting them
	s = strings.ReplaceAll(s, "'", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func tokenizeAll(phrases []string) [][]string {
	out := make([][]string, 0, len(phrases))
	for _, p := range phrases {
		if t := tokenize(p); len(t) > 0 {
			out = append(out, t)
		}
	}
	return out
}

func matchesAny(tokens []string, phrases [][]string) bool {
	for _, p := range phrases {
		if containsRun(tokens, p) {
			return true
		}
	}
	return false
}

// containsRun reports whether phrase occurs as a contiguous run of whole tokens.
func containsRun(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j := range phrase {
			if tokens[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
