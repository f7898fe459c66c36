package engines

import (
	"regexp"
	"strings"
)

var (
	dateRe         = regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{2,4}`)
	dollarRe       = regexp.MustCompile(`\$\s*([\d,]+\.?\d*)`)
	checkNoDigits  = regexp.MustCompile(`\d{3,6}`)
	accountDigits  = regexp.MustCompile(`\d{7,12}`)
	checkNoLabelRe = regexp.MustCompile(`(?i)Check\s*(?:Number)?:?\s*#?\s*(\d{3,6})`)
	looseNumberRe  = regexp.MustCompile(`\b(\d{4,6})\b`)
	routingRe      = regexp.MustCompile(`\b(\d{9})\b`)
	payToRe        = regexp.MustCompile(`(?i)pay\s+to`)
	orderOfRe      = regexp.MustCompile(`(?i)the\s+order\s+of`)
	memoLabelRe    = regexp.MustCompile(`(?i)(^\s*for\b|\bmemo\b)[:\s]*`)
)

var bankKeywords = []string{
	"JPMORGAN", "CHASE", "BANK OF AMERICA", "WELLS FARGO",
	"CITIBANK", "US BANK", "PNC", "CAPITAL ONE", "BANK",
}

// ParseCheckText pulls check fields out of plain OCR text, line by line,
// with whole-text fallbacks for the date and check number.
func ParseCheckText(text string) Fields {
	var f Fields

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)

		if strings.Contains(upper, "DATE") {
			if d := dateRe.FindString(line); d != "" {
				f.CheckDate = str(d)
			}
		}

		if f.Amount == nil && strings.Contains(line, "$") {
			if m := dollarRe.FindStringSubmatch(line); m != nil {
				f.Amount = str(strings.ReplaceAll(m[1], ",", ""))
			}
		}

		if strings.Contains(upper, "CHECK NUMBER") || strings.Contains(upper, "CHECK NO") {
			if nums := checkNoDigits.FindAllString(line, -1); len(nums) > 0 {
				f.CheckNumber = str(nums[len(nums)-1])
			}
		}

		if strings.Contains(upper, "ACCOUNT") {
			if n := accountDigits.FindString(line); n != "" {
				f.MICR.Account = str(n)
			}
		}

		for _, kw := range bankKeywords {
			if strings.Contains(upper, kw) {
				f.BankName = str(line)
				break
			}
		}

		if loc := payToRe.FindStringIndex(line); loc != nil {
			after := orderOfRe.ReplaceAllString(line[loc[1]:], "")
			after = strings.TrimSpace(after)
			if len(after) > 2 {
				f.Payee = str(after)
			}
		}

		if strings.Contains(upper, "MEMO") || strings.HasPrefix(upper, "FOR") {
			memo := strings.TrimSpace(memoLabelRe.ReplaceAllString(line, ""))
			if len(memo) > 1 {
				f.Memo = str(memo)
			}
		}
	}

	if f.CheckDate == nil {
		if d := dateRe.FindString(text); d != "" {
			f.CheckDate = str(d)
		}
	}

	if f.CheckNumber == nil {
		if m := checkNoLabelRe.FindStringSubmatch(text); m != nil {
			f.CheckNumber = str(m[1])
		} else if nums := looseNumberRe.FindAllStringSubmatch(text, -1); len(nums) > 0 {
			f.CheckNumber = str(nums[len(nums)-1][1])
		}
	}

	if m := routingRe.FindStringSubmatch(text); m != nil {
		f.MICR.Routing = str(m[1])
	}

	return f
}
