// Package aco searches for better stop sequences of a single route with an
// ant colony over the stops near the route.
package aco

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidParams = errors.New("invalid ACO parameters")

// Params is the process-wide ACO parameter set.
type Params struct {
	NumAnts         int     `json:"num_ant" yaml:"num_ant" validate:"gte=1,lte=100"`
	MaxGenerations  int     `json:"max_gen" yaml:"max_gen" validate:"gte=1,lte=300"`
	Alpha           float64 `json:"alpha" yaml:"alpha" validate:"gte=0,lte=10"`
	Beta            float64 `json:"beta" yaml:"beta" validate:"gte=0,lte=10"`
	Rho             float64 `json:"rho" yaml:"rho" validate:"gte=0,lte=1"`
	InitPheromone   float64 `json:"init_pheromone" yaml:"init_pheromone" validate:"gte=0,lte=50"`
	PheromoneMin    float64 `json:"pheromone_min" yaml:"pheromone_min" validate:"gte=0,lte=50"`
	PheromoneMax    float64 `json:"pheromone_max" yaml:"pheromone_max" validate:"gte=50,lte=200"`
	MaxNonLinearity float64 `json:"max_nonlinearity" yaml:"max_nonlinearity" validate:"gte=0,lte=5"`
}

func DefaultParams() Params {
	return Params{
		NumAnts:         20,
		MaxGenerations:  50,
		Alpha:           2,
		Beta:            3,
		Rho:             0.2,
		InitPheromone:   20,
		PheromoneMin:    10,
		PheromoneMax:    100,
		MaxNonLinearity: 2,
	}
}

// ValidationError lists the offending fields by their JSON names.
type ValidationError struct {
	FieldErrors map[string][]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fmt.Sprintf("%s: %s", ErrInvalidParams, strings.Join(fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidParams
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks every range and that the initial pheromone lies between
// the bounds.
func (p Params) Validate() error {
	fieldErrors := map[string][]string{}

	if err := paramsValidator().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		for _, fe := range verrs {
			fieldErrors[fe.Field()] = append(fieldErrors[fe.Field()], rangeMessage(fe))
		}
	}

	if p.InitPheromone < p.PheromoneMin || p.InitPheromone > p.PheromoneMax {
		fieldErrors["init_pheromone"] = append(fieldErrors["init_pheromone"],
			"must be between pheromone_min and pheromone_max")
	}

	if len(fieldErrors) > 0 {
		return &ValidationError{FieldErrors: fieldErrors}
	}
	return nil
}

func rangeMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// ParamStore holds the current parameters. Readers get a copy.
type ParamStore struct {
	mu     sync.RWMutex
	params Params
}

func NewParamStore(p Params) *ParamStore {
	return &ParamStore{params: p}
}

func (s *ParamStore) Get() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Set replaces the parameters if p is valid.
func (s *ParamStore) Set(p Params) error {
	_, err := s.Update(func(cur *Params) error {
		*cur = p
		return nil
	})
	return err
}

// Update applies fn to a copy of the current parameters and stores the
// result if fn succeeds and the result is valid. The whole read, merge and
// write happens under the write lock, so concurrent partial updates compose.
func (s *ParamStore) Update(fn func(*Params) error) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.params
	if err := fn(&p); err != nil {
		return s.params, err
	}
	if err := p.Validate(); err != nil {
		return s.params, err
	}
	s.params = p
	return p, nil
}
