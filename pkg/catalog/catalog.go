package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	yaml "github.com/oasdiff/yaml3"
	"go.uber.org/zap"
)

// Cataloger is the interface for looking up registered problems.
// Consumers should depend on this interface rather than the concrete ProblemIndex.
type Cataloger interface {
	Get(code string) (*Problem, error)
	GetAll() []*Problem
	BuildIndex(baseDir string) error
}

// Compile-time check that ProblemIndex implements Cataloger.
var _ Cataloger = (*ProblemIndex)(nil)

type ProblemIndex struct {
	mu       sync.RWMutex
	problems map[string]*Problem
}

// Problem describes one provisionable contest problem as declared in its
// problem.yml. PoolSize is the number of idle instances the reconciler keeps
// warm in pool mode; zero means no pre-provisioning.
type Problem struct {
	Code     string   `yaml:"code"`
	Title    string   `yaml:"title"`
	Local    bool     `yaml:"local"`
	PoolSize int      `yaml:"pool_size"`
	Services []string `yaml:"services"`
}

func NewProblemIndex(baseDir string) (*ProblemIndex, error) {
	idx := &ProblemIndex{
		problems: make(map[string]*Problem),
	}
	err := idx.BuildIndex(baseDir)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *ProblemIndex) BuildIndex(baseDir string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.problems = make(map[string]*Problem)
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "example") {
			return filepath.SkipDir
		}
		if err != nil || d.IsDir() || (d.Name() != "problem.yml" && d.Name() != "problem.yaml") {
			return err
		}
		problem, err := parseProblem(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		idx.problems[problem.Code] = problem
		zap.S().Infof("Registered problem: %s", problem.Code)

		return filepath.SkipDir
	})
	return err
}

func (idx *ProblemIndex) Get(code string) (*Problem, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	problem, ok := idx.problems[code]
	if !ok {
		return nil, fmt.Errorf("problem not found: %s", code)
	}
	return problem, nil
}

func (idx *ProblemIndex) GetAll() []*Problem {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	problems := make([]*Problem, 0, len(idx.problems))
	for _, p := range idx.problems {
		problems = append(problems, p)
	}
	return problems
}

func parseProblem(problemFilePath string) (*Problem, error) {
	data, err := os.ReadFile(problemFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read problem file: %w", err)
	}
	var problem Problem
	err = yaml.Unmarshal(data, &problem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse problem file: %w", err)
	}
	if problem.Code == "" {
		return nil, fmt.Errorf("missing code in problem file")
	}
	if len(problem.Services) == 0 {
		problem.Services = []string{"SSH"}
	}
	if problem.PoolSize < 0 {
		return nil, fmt.Errorf("pool_size must not be negative")
	}

	return &problem, nil
}
