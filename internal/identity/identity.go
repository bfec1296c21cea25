// Package identity holds enrolled face templates and answers "who is this".
package identity

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/attendcam/internal/utils"
)

var (
	// ErrValidation is returned for a missing or blank name.
	ErrValidation = errors.New("username is required")
	// ErrNoFace is returned when a frame contains no face.
	ErrNoFace = errors.New("no face found")
	// ErrMultipleFaces is returned when an enrollment frame has more than one subject.
	ErrMultipleFaces = errors.New("multiple faces found")
	// ErrEmptyStore is returned by Identify before anyone has enrolled.
	ErrEmptyStore = errors.New("no users enrolled")
	// ErrDimension is returned when a vector's length differs from the enrolled ones.
	ErrDimension = errors.New("feature vector length mismatch")
	// ErrUnknownMetric is returned for an unsupported distance name.
	ErrUnknownMetric = errors.New("unknown distance metric")
)

// DefaultTolerance is the maximum accepted distance for a match.
const DefaultTolerance = 0.6

// Metric measures the distance between two feature vectors.
type Metric func(a, b []float64) float64

// MetricByName resolves "euclidean" or "cosine".
func MetricByName(name string) (Metric, error) {
	switch strings.ToLower(name) {
	case "", "euclidean", "l2":
		return utils.EuclideanDist, nil
	case "cosine":
		return utils.CosineDist, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
}

// Identity is one enrolled person.
type Identity struct {
	Name       string
	Vector     []float64
	EnrolledAt time.Time
	UpdatedAt  time.Time
}

// Match is the result of Identify. Found is false when no face was close enough.
type Match struct {
	Name       string
	Distance   float64
	Confidence float64
	Face       int // index of the matching face in the input
	Found      bool
}

// Store is the in-memory identity table. Entries keep their first enrollment position.
type Store struct {
	metric    Metric
	tolerance float64
	now       func() time.Time

	mu    sync.RWMutex
	order []*Identity
	index map[string]*Identity
}

// Option configures a Store.
type Option func(*Store)

// WithMetric sets the distance function.
func WithMetric(m Metric) Option {
	return func(s *Store) { s.metric = m }
}

// WithTolerance sets the match threshold τ.
func WithTolerance(t float64) Option {
	return func(s *Store) { s.tolerance = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store using euclidean distance and DefaultTolerance unless overridden.
func NewStore(opts ...Option) *Store {
	s := &Store{
		metric:    utils.EuclideanDist,
		tolerance: DefaultTolerance,
		now:       time.Now,
		index:     make(map[string]*Identity),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tolerance returns τ.
func (s *Store) Tolerance() float64 {
	return s.tolerance
}

// Enroll stores faces[0] under name. Exactly one face is required.
// Enrolling an existing name replaces its vector in place.
func (s *Store) Enroll(name string, faces [][]float64) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, ErrValidation
	}
	if len(faces) == 0 {
		return Identity{}, ErrNoFace
	}
	if len(faces) > 1 {
		return Identity{}, fmt.Errorf("%w: %d in frame", ErrMultipleFaces, len(faces))
	}
	if len(faces[0]) == 0 {
		return Identity{}, ErrNoFace
	}

	vec := make([]float64, len(faces[0]))
	copy(vec, faces[0])
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if dim := s.dimLocked(); dim != 0 && dim != len(vec) {
		return Identity{}, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), dim)
	}

	if id, ok := s.index[name]; ok {
		id.Vector = vec
		id.UpdatedAt = now
		return *id, nil
	}

	id := &Identity{Name: name, Vector: vec, EnrolledAt: now, UpdatedAt: now}
	s.order = append(s.order, id)
	s.index[name] = id
	return *id, nil
}

// dimLocked returns the enrolled vector length, 0 when empty. Caller holds mu.
func (s *Store) dimLocked() int {
	if len(s.order) == 0 {
		return 0
	}
	return len(s.order[0].Vector)
}

// Identify finds the enrolled identity closest to any of faces.
//
// A pair is accepted when distance <= tolerance. Among accepted pairs the
// global minimum wins; ties go to the earlier enrollment, then the earlier face.
// Faces whose length differs from the enrolled vectors are skipped.
func (s *Store) Identify(faces [][]float64) (Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return Match{}, ErrEmptyStore
	}
	if len(faces) == 0 {
		return Match{}, ErrNoFace
	}

	dim := s.dimLocked()
	best := Match{Distance: math.Inf(1)}
	for fi, face := range faces {
		if len(face) != dim {
			continue
		}
		for _, id := range s.order {
			d := s.metric(face, id.Vector)
			if math.IsNaN(d) || d > s.tolerance {
				continue
			}
			if d < best.Distance {
				best = Match{Name: id.Name, Distance: d, Face: fi, Found: true}
			}
		}
	}
	if !best.Found {
		return Match{}, nil
	}
	best.Confidence = Confidence(best.Distance)
	return best, nil
}

// Confidence maps a distance to 1-d clamped to [0, 1].
func Confidence(distance float64) float64 {
	c := 1 - distance
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Get returns a copy of the named identity.
func (s *Store) Get(name string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[name]
	if !ok {
		return Identity{}, false
	}
	return id.clone(), true
}

// clone copies id including its vector.
func (id *Identity) clone() Identity {
	c := *id
	c.Vector = append([]float64(nil), id.Vector...)
	return c
}

// Has reports whether name is enrolled.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[name]
	return ok
}

// Names lists enrolled names in enrollment order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	for i, id := range s.order {
		names[i] = id.Name
	}
	return names
}

// List returns copies of every identity in enrollment order.
func (s *Store) List() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, len(s.order))
	for i, id := range s.order {
		out[i] = id.clone()
	}
	return out
}

// Len is the number of enrolled identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
