/**
 * Fusion - one confidence-scored record from several engine results
 *
 * The handwritten payee follows a fixed engine trust order. Every other field
 * (MICR included) is a vote: agreement scores highest, a lone contributor
 * next, a majority after that, and a split falls back to the trust order.
 * Merge is a pure function of its inputs.
 */

package fusion

import (
	"sort"
	"strings"

	"github.com/adverant/nexus/checkextract-worker/internal/engines"
)

// Confidence levels.
const (
	ConfidenceAgreement = 0.97
	ConfidenceMajority  = 0.90
	ConfidenceSingle    = 0.85
	ConfidenceSplit     = 0.70

	ConfidencePayeeTop       = 0.92
	ConfidencePayeeConfirmed = 0.97
	ConfidencePayeeSecond    = 0.80
	ConfidencePayeeThird     = 0.60
)

// Sources other than an engine name.
const (
	SourceHybrid = "hybrid"
	SourceNone   = "none"
)

var payeeConfidence = []float64{ConfidencePayeeTop, ConfidencePayeeSecond, ConfidencePayeeThird}

// FieldValue is one fused field.
type FieldValue struct {
	Value      *string `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// MICRValues holds the fused MICR sub-fields.
type MICRValues struct {
	Routing FieldValue `json:"routing"`
	Account FieldValue `json:"account"`
	Serial  FieldValue `json:"serial"`
}

// HybridExtraction is the fused record for one check.
type HybridExtraction struct {
	Payee         FieldValue `json:"payee"`
	Amount        FieldValue `json:"amount"`
	AmountWritten FieldValue `json:"amountWritten"`
	CheckDate     FieldValue `json:"checkDate"`
	CheckNumber   FieldValue `json:"checkNumber"`
	BankName      FieldValue `json:"bankName"`
	Memo          FieldValue `json:"memo"`
	MICR          MICRValues `json:"micr"`

	// Contributors lists engines that supplied at least one usable value.
	Contributors  []string         `json:"contributors"`
	EngineTimesMs map[string]int64 `json:"engine_times_ms"`
}

// Field returns a top-level fused field by its JSON name.
func (h *HybridExtraction) Field(name string) *FieldValue {
	switch name {
	case "payee":
		return &h.Payee
	case "amount":
		return &h.Amount
	case "amountWritten":
		return &h.AmountWritten
	case "checkDate":
		return &h.CheckDate
	case "checkNumber":
		return &h.CheckNumber
	case "bankName":
		return &h.BankName
	case "memo":
		return &h.Memo
	}
	return nil
}

// MICRField returns a fused MICR sub-field by its JSON name.
func (h *HybridExtraction) MICRField(name string) *FieldValue {
	switch name {
	case "routing":
		return &h.MICR.Routing
	case "account":
		return &h.MICR.Account
	case "serial":
		return &h.MICR.Serial
	}
	return nil
}

type candidate struct {
	engine string
	value  string
	key    string
}

// Merge fuses engine results. Results may be failures; their fields are
// all nil and simply contribute nothing.
func Merge(results []*engines.Result) *HybridExtraction {
	ordered := byPreference(results)

	h := &HybridExtraction{
		Contributors:  []string{},
		EngineTimesMs: make(map[string]int64, len(ordered)),
	}
	for _, r := range ordered {
		h.EngineTimesMs[r.Source] = r.ProcessingTimeMs
	}

	h.Payee = mergePayee(collect(ordered, func(f *engines.Fields) *string { return f.Payee }, normalize))

	for _, name := range engines.SimpleFields {
		name := name
		norm := normalize
		if name == "amount" {
			norm = normalizeAmount
		}
		*h.Field(name) = vote(collect(ordered, func(f *engines.Fields) *string { return f.Get(name) }, norm))
	}
	for _, name := range engines.MICRFields {
		name := name
		*h.MICRField(name) = vote(collect(ordered, func(f *engines.Fields) *string { return f.GetMICR(name) }, normalize))
	}

	for _, r := range ordered {
		if contributed(&r.Fields) {
			h.Contributors = append(h.Contributors, r.Source)
		}
	}
	return h
}

func mergePayee(cands []candidate) FieldValue {
	if len(cands) == 0 {
		return unset()
	}

	top := cands[0]
	rank := preferenceRank(top.engine)
	conf := ConfidencePayeeThird
	if rank < len(payeeConfidence) {
		conf = payeeConfidence[rank]
	}

	// The top engine is confirmed by the next one in trust order.
	if rank == 0 && len(engines.Preference) > 1 {
		for _, c := range cands[1:] {
			if c.engine == engines.Preference[1] && c.key == top.key {
				conf = ConfidencePayeeConfirmed
			}
		}
	}

	return FieldValue{Value: strPtr(top.value), Confidence: conf, Source: top.engine}
}

func vote(cands []candidate) FieldValue {
	switch len(cands) {
	case 0:
		return unset()
	case 1:
		return FieldValue{Value: strPtr(cands[0].value), Confidence: ConfidenceSingle, Source: cands[0].engine}
	}

	counts := make(map[string]int, len(cands))
	for _, c := range cands {
		counts[c.key]++
	}

	if len(counts) == 1 {
		return FieldValue{Value: strPtr(cands[0].value), Confidence: ConfidenceAgreement, Source: SourceHybrid}
	}

	// cands are in trust order, so the first key reaching the best count wins ties.
	best, bestCount := "", 0
	for _, c := range cands {
		if n := counts[c.key]; n > bestCount {
			best, bestCount = c.key, n
		}
	}
	if bestCount >= 2 {
		for _, c := range cands {
			if c.key == best {
				return FieldValue{Value: strPtr(c.value), Confidence: ConfidenceMajority, Source: SourceHybrid}
			}
		}
	}

	return FieldValue{Value: strPtr(cands[0].value), Confidence: ConfidenceSplit, Source: cands[0].engine}
}

func collect(ordered []*engines.Result, get func(*engines.Fields) *string, norm func(string) string) []candidate {
	var out []candidate
	for _, r := range ordered {
		v := get(&r.Fields)
		if v == nil || Absent(*v) {
			continue
		}
		value := strings.TrimSpace(*v)
		out = append(out, candidate{engine: r.Source, value: value, key: norm(value)})
	}
	return out
}

func contributed(f *engines.Fields) bool {
	for _, name := range append([]string{"payee"}, engines.SimpleFields...) {
		if v := f.Get(name); v != nil && !Absent(*v) {
			return true
		}
	}
	for _, name := range engines.MICRFields {
		if v := f.GetMICR(name); v != nil && !Absent(*v) {
			return true
		}
	}
	return false
}

// Absent reports whether v carries no evidence.
func Absent(v string) bool {
	switch normalize(v) {
	case "", "none", "null", "the order of":
		return true
	}
	return false
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}

func normalizeAmount(v string) string {
	return strings.NewReplacer("$", "", ",", "", " ", "").Replace(normalize(v))
}

// byPreference orders results by engine trust, unknown engines last by name.
func byPreference(results []*engines.Result) []*engines.Result {
	out := make([]*engines.Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := preferenceRank(out[i].Source), preferenceRank(out[j].Source)
		if ri != rj {
			return ri < rj
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func preferenceRank(engine string) int {
	for i, name := range engines.Preference {
		if name == engine {
			return i
		}
	}
	return len(engines.Preference)
}

func unset() FieldValue {
	return FieldValue{Source: SourceNone}
}

func strPtr(s string) *string {
	return &s
}
