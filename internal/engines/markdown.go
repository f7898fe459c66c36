package engines

import (
	"regexp"
	"strings"
)

var (
	mdDateRe    = regexp.MustCompile(`(?i)(?:Post\s*date|Date)[:\s]*(\d{1,2}/\d{1,2}/\d{2,4})`)
	mdAmountRe  = regexp.MustCompile(`(?i)Amount[:\s]*\$?\s*([\d,]+\.?\d*)`)
	mdCheckNoRe = regexp.MustCompile(`(?i)(?:Check\s*Number|Check\s*No|Check\s*#)[:\s]*(\d{3,6})`)
	mdAccountRe = regexp.MustCompile(`(?i)Account[:\s]*(\d{7,12})`)
	mdPayeeRe   = regexp.MustCompile(`(?i)PAY\s*TO\s*(?:THE\s*ORDER\s*OF)?[ \t]*\n?[ \t]*([^\n]+?)[ \t]*(?:\$|\n|$)`)
	mdWrittenRe = regexp.MustCompile(`(?im)^[ \t*_|-]*(.+?)\s*dollars\b`)
	mdMemoRe    = regexp.MustCompile(`(?i)\b(?:Memo|For)\b[:\s]*([^\n]*)`)
	mdMarkupRe  = regexp.MustCompile(`[*_|#]+`)
	mdEmphRe    = regexp.MustCompile(`\*\*|__`)
)

var namedBanks = []string{
	"JPMorgan Chase", "Chase", "Bank of America", "Wells Fargo",
	"Citibank", "US Bank", "PNC", "Capital One",
}

// AnswerBlock returns the text between <answer> tags, or s unchanged when
// there is no answer block.
func AnswerBlock(s string) string {
	_, after, ok := strings.Cut(s, "<answer>")
	if !ok {
		return s
	}
	answer, _, _ := strings.Cut(after, "</answer>")
	return answer
}

// ParseMarkdown pulls check fields out of a document model's markdown
// transcription.
func ParseMarkdown(text string) Fields {
	var f Fields
	text = mdEmphRe.ReplaceAllString(text, "")

	if m := mdDateRe.FindStringSubmatch(text); m != nil {
		f.CheckDate = str(m[1])
	}

	if m := mdAmountRe.FindStringSubmatch(text); m != nil {
		f.Amount = str(strings.ReplaceAll(m[1], ",", ""))
	} else if m := dollarRe.FindStringSubmatch(text); m != nil {
		f.Amount = str(strings.ReplaceAll(m[1], ",", ""))
	}

	if m := mdCheckNoRe.FindStringSubmatch(text); m != nil {
		f.CheckNumber = str(m[1])
	}

	if m := mdAccountRe.FindStringSubmatch(text); m != nil {
		f.MICR.Account = str(m[1])
	}

	lower := strings.ToLower(text)
	for _, bank := range namedBanks {
		if strings.Contains(lower, strings.ToLower(bank)) {
			f.BankName = str(bank)
			break
		}
	}

	if m := mdPayeeRe.FindStringSubmatch(text); m != nil {
		payee := strings.TrimSpace(mdMarkupRe.ReplaceAllString(m[1], ""))
		if len(payee) > 2 && !strings.Contains(strings.ToLower(payee), "order of") {
			f.Payee = str(payee)
		}
	}

	if m := mdWrittenRe.FindStringSubmatch(text); m != nil {
		written := strings.TrimSpace(mdMarkupRe.ReplaceAllString(m[1], ""))
		if len(written) > 3 {
			f.AmountWritten = str(written)
		}
	}

	if m := mdMemoRe.FindStringSubmatch(text); m != nil {
		memo := strings.TrimSpace(mdMarkupRe.ReplaceAllString(m[1], ""))
		if len(memo) > 1 {
			f.Memo = str(memo)
		}
	}

	if m := routingRe.FindStringSubmatch(text); m != nil {
		f.MICR.Routing = str(m[1])
	}

	return f
}
