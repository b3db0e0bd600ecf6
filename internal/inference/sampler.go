package inference

import (
	"fmt"
	"math"
	"sort"
)

// Sampler picks the next token from raw logits, applying a repetition
// penalty, temperature scaling, and top-p (nucleus) filtering. It records
// the probability of every chosen token so the generator can report a
// confidence score afterwards.
type Sampler struct {
	temperature       float64
	topP              float64
	repetitionPenalty float64

	rng        *xorshift64
	generated  []int
	chosenProb []float64
}

// NewSampler creates a sampler. A zero seed selects the fixed default so
// generation stays reproducible unless the caller explicitly varies it.
func NewSampler(temperature, topP float64, seed uint64) *Sampler {
	return &Sampler{
		temperature:       temperature,
		topP:              topP,
		repetitionPenalty: 1.1,
		rng:               newXorshift64(seed),
	}
}

// Sample picks one token id from the logits.
func (s *Sampler) Sample(logits []float64) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("inference: empty logits")
	}

	scaled := make([]float64, len(logits))
	copy(scaled, logits)

	// Repetition penalty: damp every token we already emitted.
	for _, tok := range s.generated {
		if tok < 0 || tok >= len(scaled) {
			continue
		}
		if scaled[tok] < 0 {
			scaled[tok] *= s.repetitionPenalty
		} else {
			scaled[tok] /= s.repetitionPenalty
		}
	}

	// Temperature zero is greedy decoding: always take the most likely
	// token after the repetition penalty.
	if s.temperature == 0 {
		probs := softmax(scaled)
		tok := argmax(probs)
		s.generated = append(s.generated, tok)
		s.chosenProb = append(s.chosenProb, probs[tok])
		return tok, nil
	}

	for i := range scaled {
		scaled[i] /= s.temperature
	}

	probs := softmax(scaled)
	if s.topP < 1 {
		probs = s.truncateTopP(probs)
	}

	tok := s.multinomial(probs)
	s.generated = append(s.generated, tok)
	s.chosenProb = append(s.chosenProb, probs[tok])
	return tok, nil
}

// MeanChosenProbability is the average probability mass behind the sampled
// tokens, used as the response confidence estimate. Always within [0, 1].
func (s *Sampler) MeanChosenProbability() float64 {
	if len(s.chosenProb) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range s.chosenProb {
		sum += p
	}
	return sum / float64(len(s.chosenProb))
}

// truncateTopP keeps the smallest set of tokens whose cumulative
// probability reaches topP, then renormalizes.
func (s *Sampler) truncateTopP(probs []float64) []float64 {
	type indexed struct {
		idx int
		p   float64
	}
	ordered := make([]indexed, len(probs))
	for i, p := range probs {
		ordered[i] = indexed{i, p}
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].p > ordered[b].p })

	kept := make([]float64, len(probs))
	cumulative := 0.0
	for _, entry := range ordered {
		kept[entry.idx] = entry.p
		cumulative += entry.p
		if cumulative >= s.topP {
			break
		}
	}

	total := 0.0
	for _, p := range kept {
		total += p
	}
	if total > 0 {
		for i := range kept {
			kept[i] /= total
		}
	}
	return kept
}

func (s *Sampler) multinomial(probs []float64) int {
	r := s.rng.Float64()
	cumulative := 0.0
	for i, p := range probs {
		cumulative += p
		if r < cumulative {
			return i
		}
	}
	return len(probs) - 1
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func softmax(logits []float64) []float64 {
	max := math.Inf(-1)
	for _, l := range logits {
		if l > max {
			max = l
		}
	}
	probs := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		probs[i] = math.Exp(l - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// xorshift64 is the jail's only randomness source. No crypto use; it just
// has to be fast, seedable, and identical across platforms.
type xorshift64 struct {
	state uint64
}

const defaultSeed = 0x4d595df4d0f33173

func newXorshift64(seed uint64) *xorshift64 {
	if seed == 0 {
		seed = defaultSeed
	}
	return &xorshift64{state: seed}
}

func (x *xorshift64) next() uint64 {
	v := x.state
	v ^= v << 13
	v ^= v >> 7
	v ^= v << 17
	x.state = v
	return v
}

func (x *xorshift64) Float64() float64 {
	return float64(x.next()>>11) / float64(1<<53)
}
