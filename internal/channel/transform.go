package channel

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/fisaks/mamlink/internal/mam"
)

const (
	ServiceJSONPath = "JSONPATH"
	ServiceRegex    = "REGEX"
)

// Transformation extracts a single value from a payload that was not
// published as a batch of item states.
type Transformation struct {
	Service string
	Pattern string
}

// ParseTransformation splits "SERVICE:pattern".
func ParseTransformation(s string) (*Transformation, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	service, pattern, ok := strings.Cut(s, ":")
	if !ok || service == "" || pattern == "" {
		return nil, fmt.Errorf("%w: transformation pattern must be SERVICE:pattern, got %q", mam.ErrConfiguration, s)
	}
	return &Transformation{Service: strings.ToUpper(strings.TrimSpace(service)), Pattern: pattern}, nil
}

// TransformationService returns "" when the pattern selects nothing.
type TransformationService interface {
	Transform(pattern, input string) (string, error)
}

type TransformationProvider interface {
	Service(name string) TransformationService
}

type Services struct {
	mu       sync.RWMutex
	services map[string]TransformationService
}

// DefaultServices provides JSONPATH and REGEX.
func DefaultServices() *Services {
	s := &Services{services: map[string]TransformationService{}}
	s.Register(ServiceJSONPath, JSONPathService{})
	s.Register(ServiceRegex, NewRegexService())
	return s
}

func (s *Services) Register(name string, svc TransformationService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[strings.ToUpper(name)] = svc
}

func (s *Services) Service(name string) TransformationService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services[strings.ToUpper(name)]
}

type JSONPathService struct{}

// Transform evaluates "$.device.status[0].value" style paths.
func (JSONPathService) Transform(pattern, input string) (string, error) {
	if !gjson.Valid(input) {
		return "", fmt.Errorf("jsonpath: input is not JSON")
	}
	path := toGJSONPath(pattern)
	if path == "" {
		return input, nil
	}
	res := gjson.Get(input, path)
	if !res.Exists() {
		return "", nil
	}
	return res.String(), nil
}

func toGJSONPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "$")
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '[':
			b.WriteByte('.')
		case ']', '\'', '"':
		default:
			b.WriteByte(c)
		}
	}
	return strings.Trim(b.String(), ".")
}

type RegexService struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func NewRegexService() *RegexService {
	return &RegexService{cache: map[string]*regexp.Regexp{}}
}

// Transform returns the first capture group, or the whole match without groups.
func (r *RegexService) Transform(pattern, input string) (string, error) {
	re, err := r.compile(pattern)
	if err != nil {
		return "", err
	}
	m := re.FindStringSubmatch(input)
	switch {
	case m == nil:
		return "", nil
	case len(m) > 1:
		return m[1], nil
	default:
		return m[0], nil
	}
}

func (r *RegexService) compile(pattern string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regex %q: %w", pattern, err)
	}
	r.cache[pattern] = re
	return re, nil
}
