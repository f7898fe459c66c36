package storage

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/adverant/nexus/checkextract-worker/internal/fusion"
)

// FingerprintDims is the vector size of the check fingerprint collection.
const FingerprintDims = 256

// Fingerprint hashes the character trigrams of the identifying fields of a
// fused check into a unit-length vector. Checks whose payee, amount, date,
// number and account agree score close to 1.0 under cosine distance.
// Returns nil when none of those fields is set.
func Fingerprint(h *fusion.HybridExtraction) []float32 {
	if h == nil {
		return nil
	}

	parts := []string{
		value(h.Payee),
		value(h.Amount),
		value(h.CheckDate),
		value(h.CheckNumber),
		value(h.MICR.Account),
	}
	if strings.Join(parts, "") == "" {
		return nil
	}

	vec := make([]float64, FingerprintDims)
	for i, p := range parts {
		// Field index keeps "1024" as a check number apart from "1024" as an amount.
		s := "^" + string(rune('a'+i)) + p + "$"
		runes := []rune(s)
		for j := 0; j+3 <= len(runes); j++ {
			hasher := fnv.New32a()
			hasher.Write([]byte(string(runes[j : j+3])))
			vec[hasher.Sum32()%FingerprintDims]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, FingerprintDims)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

// PointID derives a stable Qdrant point id for one check of one job so a
// re-extraction overwrites its previous fingerprint.
func PointID(jobID, checkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobID+"/"+checkID)).String()
}

func value(fv fusion.FieldValue) string {
	if fv.Value == nil {
		return ""
	}
	return strings.Join(strings.Fields(strings.ToLower(*fv.Value)), " ")
}
