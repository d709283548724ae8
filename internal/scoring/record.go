package scoring

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Scores are the named anomaly scores of a single image, in the order
// they were computed.
type Scores struct {
	values *orderedmap.OrderedMap[string, float64]
}

// NewScores creates an empty score set
func NewScores() *Scores {
	return &Scores{values: orderedmap.New[string, float64]()}
}

// Set records a score
func (s *Scores) Set(name string, value float64) {
	s.values.Set(name, value)
}

// Get returns a score by name
func (s *Scores) Get(name string) (float64, bool) {
	return s.values.Get(name)
}

// Names returns the score names in insertion order
func (s *Scores) Names() []string {
	names := make([]string, 0, s.values.Len())
	for pair := s.values.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Len returns the number of scores
func (s *Scores) Len() int {
	return s.values.Len()
}

// Record accumulates scores as class label -> score name -> values, in
// first-seen order at both levels. Values within a (class, score) pair keep
// the order the images were scored in.
type Record struct {
	classes *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[string, []float64]]
}

// NewRecord creates an empty record
func NewRecord() *Record {
	return &Record{classes: orderedmap.New[string, *orderedmap.OrderedMap[string, []float64]]()}
}

// Add appends every score of one image under its class label
func (r *Record) Add(class string, scores *Scores) {
	variants, ok := r.classes.Get(class)
	if !ok {
		variants = orderedmap.New[string, []float64]()
		r.classes.Set(class, variants)
	}
	for pair := scores.values.Oldest(); pair != nil; pair = pair.Next() {
		values, _ := variants.Get(pair.Key)
		variants.Set(pair.Key, append(values, pair.Value))
	}
}

// Append adds a single value under (class, variant)
func (r *Record) Append(class, variant string, value float64) {
	s := NewScores()
	s.Set(variant, value)
	r.Add(class, s)
}

// Classes returns the class labels in first-seen order
func (r *Record) Classes() []string {
	out := make([]string, 0, r.classes.Len())
	for pair := r.classes.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Variants returns the score names recorded for class
func (r *Record) Variants(class string) []string {
	variants, ok := r.classes.Get(class)
	if !ok {
		return nil
	}
	out := make([]string, 0, variants.Len())
	for pair := variants.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// AllVariants returns the union of score names over every class, in
// first-seen order
func (r *Record) AllVariants() []string {
	seen := make(map[string]bool)
	var out []string
	for pair := r.classes.Oldest(); pair != nil; pair = pair.Next() {
		for v := pair.Value.Oldest(); v != nil; v = v.Next() {
			if !seen[v.Key] {
				seen[v.Key] = true
				out = append(out, v.Key)
			}
		}
	}
	return out
}

// Values returns the scores of variant for class. The slice is a copy.
func (r *Record) Values(class, variant string) []float64 {
	variants, ok := r.classes.Get(class)
	if !ok {
		return nil
	}
	values, _ := variants.Get(variant)
	out := make([]float64, len(values))
	copy(out, values)
	return out
}

// Count returns the number of images recorded for class
func (r *Record) Count(class string) int {
	variants, ok := r.classes.Get(class)
	if !ok || variants.Len() == 0 {
		return 0
	}
	return len(variants.Oldest().Value)
}

// Total returns the number of images recorded over all classes
func (r *Record) Total() int {
	total := 0
	for pair := r.classes.Oldest(); pair != nil; pair = pair.Next() {
		total += r.Count(pair.Key)
	}
	return total
}
