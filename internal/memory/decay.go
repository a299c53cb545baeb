package memory

import (
	"math"
	"time"
)

// Decay implements adaptive forgetting: a memory's effective retrieval
// weight is its importance scaled by an exponential of its age, where age
// counts from the last access rather than creation. Accessing a memory
// resets the basis, so frequently recalled knowledge keeps its weight.
//
// Decay is computed lazily at read time and never rewritten in bulk,
// avoiding write amplification across the store.
type Decay struct {
	// HalfLife is the unaccessed age at which effective importance falls
	// to half. Default 30 days.
	HalfLife time.Duration
}

// DefaultDecay returns the default decay law.
func DefaultDecay() Decay {
	return Decay{HalfLife: 30 * 24 * time.Hour}
}

// Factor returns the decay multiplier in (0, 1] for a memory last accessed
// at the given time. Monotonically non-increasing in age.
func (d Decay) Factor(lastAccess, now time.Time) float64 {
	halfLife := d.HalfLife
	if halfLife <= 0 {
		halfLife = DefaultDecay().HalfLife
	}
	age := now.Sub(lastAccess)
	if age <= 0 {
		return 1
	}
	lambda := math.Ln2 / halfLife.Hours()
	return math.Exp(-lambda * age.Hours())
}

// Effective returns the memory's decay-adjusted importance at now.
func (d Decay) Effective(m *Memory, now time.Time) float64 {
	basis := m.LastAccessAt
	if basis.IsZero() {
		basis = m.CreatedAt
	}
	return m.Importance * d.Factor(basis, now)
}
