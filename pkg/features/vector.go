package features

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Vector is a fixed-schema numeric feature vector. It is a pure function
// of the log snapshot it was extracted from, which makes its content hash
// a valid cache key.
type Vector struct {
	UserID          string    `json:"user_id"`
	AsOf            time.Time `json:"as_of"`
	SchemaVersion   int       `json:"schema_version"`
	SnapshotVersion uint64    `json:"snapshot_version"`
	Values          []float64 `json:"values"`

	hash string
}

// Hash returns a stable blake2b content hash of the vector identity and
// values. Computed once and memoized; vectors are never mutated after
// extraction.
func (v *Vector) Hash() string {
	if v.hash != "" {
		return v.hash
	}

	h, _ := blake2b.New256(nil)
	h.Write([]byte(v.UserID))

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v.SchemaVersion))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], v.SnapshotVersion)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(v.AsOf.UTC().Unix()))
	h.Write(buf[:])

	for _, val := range v.Values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(val))
		h.Write(buf[:])
	}

	v.hash = hex.EncodeToString(h.Sum(nil))
	return v.hash
}

// At returns the value at index i
func (v *Vector) At(i int) float64 { return v.Values[i] }

// SymptomFreq returns the 30-day frequency feature for symptom group s
func (v *Vector) SymptomFreq(s int) float64 {
	return v.Values[IdxSymptomBase+s*symptomStride]
}

// SymptomSeverity returns the mean-severity feature for symptom group s
func (v *Vector) SymptomSeverity(s int) float64 {
	return v.Values[IdxSymptomBase+s*symptomStride+1]
}
