package pricing

import (
	_ "embed"
	stdErrors "errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrUnknownProduct is returned when an id is not present in the catalog.
var ErrUnknownProduct = stdErrors.New("unknown product")

// Catalog resolves credit amounts for features, plans and packages.
type Catalog interface {
	UnitCost(productID string) (int64, error)
	PlanAllotment(planID string) (int64, error)
	PackageCredits(packageID string) (int64, error)
}

type catalogFile struct {
	Features map[string]int64 `yaml:"features" validate:"required,min=1,dive,keys,required,endkeys,gt=0"`
	Plans    map[string]int64 `yaml:"plans" validate:"required,min=1,dive,keys,required,endkeys,gt=0"`
	Packages map[string]int64 `yaml:"packages" validate:"required,min=1,dive,keys,required,endkeys,gt=0"`
}

// StaticCatalog is an immutable in-memory catalog.
type StaticCatalog struct {
	features map[string]int64
	plans    map[string]int64
	packages map[string]int64
}

// Load reads the catalog at path, falling back to the embedded default when path is empty.
func Load(path string) (*StaticCatalog, error) {
	raw := defaultCatalog
	if p := strings.TrimSpace(path); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read pricing catalog %q: %w", p, err)
		}
		raw = data
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML catalog document.
func Parse(raw []byte) (*StaticCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode pricing catalog: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid pricing catalog: %w", err)
	}
	return &StaticCatalog{
		features: file.Features,
		plans:    file.Plans,
		packages: file.Packages,
	}, nil
}

func (c *StaticCatalog) UnitCost(productID string) (int64, error) {
	return lookup(c.features, "feature", productID)
}

func (c *StaticCatalog) PlanAllotment(planID string) (int64, error) {
	return lookup(c.plans, "plan", planID)
}

func (c *StaticCatalog) PackageCredits(packageID string) (int64, error) {
	return lookup(c.packages, "package", packageID)
}

func lookup(table map[string]int64, kind, id string) (int64, error) {
	if amount, ok := table[id]; ok {
		return amount, nil
	}
	return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, ErrUnknownProduct, fmt.Sprintf("unknown %s %q", kind, id))
}
