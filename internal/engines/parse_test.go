package engines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deref(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func TestParseCheckText(t *testing.T) {
	text := `JPMORGAN CHASE BANK
DATE 03/15/2024
PAY TO THE ORDER OF John Smith
$ 1,200.00
MEMO: rent
Check Number 1042
Account 123456789012
021000021 123456789012 1042`

	f := ParseCheckText(text)

	assert.Equal(t, "JPMORGAN CHASE BANK", deref(f.BankName))
	assert.Equal(t, "03/15/2024", deref(f.CheckDate))
	assert.Equal(t, "John Smith", deref(f.Payee))
	assert.Equal(t, "1200.00", deref(f.Amount))
	assert.Equal(t, "rent", deref(f.Memo))
	assert.Equal(t, "1042", deref(f.CheckNumber))
	assert.Equal(t, "123456789012", deref(f.MICR.Account))
	assert.Equal(t, "021000021", deref(f.MICR.Routing))
	assert.Nil(t, f.MICR.Serial)
	assert.Nil(t, f.AmountWritten)
}

func TestParseCheckTextFallbacks(t *testing.T) {
	f := ParseCheckText("some noise\nCheck: 5531 on 1/2/24\nFor groceries")

	assert.Equal(t, "1/2/24", deref(f.CheckDate))
	assert.Equal(t, "5531", deref(f.CheckNumber))
	assert.Equal(t, "groceries", deref(f.Memo))
	assert.Nil(t, f.Payee)
}

func TestParseCheckTextEmpty(t *testing.T) {
	assert.Equal(t, Fields{}, ParseCheckText(""))
}

func TestAnswerBlock(t *testing.T) {
	assert.Equal(t, "x", AnswerBlock("<think>y</think><answer>x</answer>"))
	assert.Equal(t, "tail", AnswerBlock("<answer>tail"))
	assert.Equal(t, "plain", AnswerBlock("plain"))
}

func TestParseMarkdown(t *testing.T) {
	text := AnswerBlock(`<think>reasoning</think><answer>
**Bank:** Wells Fargo
**Date:** 04/01/2024
**Check Number:** 2211
PAY TO THE ORDER OF
Acme Supplies LLC
**Amount:** $2,450.75
Two thousand four hundred fifty and 75/100 dollars
**Memo:** invoice 88
**Account:** 9876543210
Routing 121000248
</answer>`)

	f := ParseMarkdown(text)

	assert.Equal(t, "Wells Fargo", deref(f.BankName))
	assert.Equal(t, "04/01/2024", deref(f.CheckDate))
	assert.Equal(t, "2211", deref(f.CheckNumber))
	assert.Equal(t, "Acme Supplies LLC", deref(f.Payee))
	assert.Equal(t, "2450.75", deref(f.Amount))
	assert.Equal(t, "Two thousand four hundred fifty and 75/100", deref(f.AmountWritten))
	assert.Equal(t, "invoice 88", deref(f.Memo))
	assert.Equal(t, "9876543210", deref(f.MICR.Account))
	assert.Equal(t, "121000248", deref(f.MICR.Routing))
}

func TestParseMarkdownDollarFallback(t *testing.T) {
	f := ParseMarkdown("Total due $ 310.00 by Friday")
	assert.Equal(t, "310.00", deref(f.Amount))
	assert.Nil(t, f.Payee)
	assert.Nil(t, f.BankName)
}

func TestParseMarkdownRejectsOrderOfPayee(t *testing.T) {
	f := ParseMarkdown("PAY TO the order of\n")
	assert.Nil(t, f.Payee)
}

func TestParseGeminiJSON(t *testing.T) {
	text := "```json\n" + `{"payee": "Jane Doe", "amount": "1,200.00", "amountWritten": null,
 "checkDate": "05/06/2024", "checkNumber": 1234, "bankName": "Chase", "memo": "",
 "micr_routing": "021000021", "micr_account": "000123456", "micr_serial": "1234"}` + "\n```"

	f, err := ParseGeminiJSON(text)
	require.NoError(t, err)

	assert.Equal(t, "Jane Doe", deref(f.Payee))
	assert.Equal(t, "1200.00", deref(f.Amount))
	assert.Nil(t, f.AmountWritten)
	assert.Equal(t, "05/06/2024", deref(f.CheckDate))
	assert.Equal(t, "1234", deref(f.CheckNumber))
	assert.Equal(t, "Chase", deref(f.BankName))
	assert.Nil(t, f.Memo)
	assert.Equal(t, "021000021", deref(f.MICR.Routing))
	assert.Equal(t, "000123456", deref(f.MICR.Account))
	assert.Equal(t, "1234", deref(f.MICR.Serial))
}

func TestParseGeminiJSONPlainFence(t *testing.T) {
	f, err := ParseGeminiJSON("```\n{\"payee\": \"Bob\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Bob", deref(f.Payee))

	_, err = ParseGeminiJSON("I could not read this check.")
	assert.Error(t, err)
}

func TestFieldsAccessors(t *testing.T) {
	f := Fields{Amount: str("5.00"), MICR: MICR{Serial: str("77")}}
	assert.Equal(t, "5.00", deref(f.Get("amount")))
	assert.Nil(t, f.Get("payee"))
	assert.Nil(t, f.Get("nope"))
	assert.Equal(t, "77", deref(f.GetMICR("serial")))
	assert.Nil(t, f.GetMICR("routing"))
}

func TestKeyRing(t *testing.T) {
	r := NewKeyRing([]string{"a", "b", "c"})
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"a", "b", "c", "a"}, []string{r.Next(), r.Next(), r.Next(), r.Next()})

	assert.Equal(t, "", NewKeyRing(nil).Next())
	assert.Equal(t, "...efghij", MaskKey("abcdefghij"))
	assert.Equal(t, "...abc", MaskKey("abc"))
}
