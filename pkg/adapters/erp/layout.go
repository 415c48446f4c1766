package erp

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
	"github.com/ekaya-inc/payroll-engine/pkg/jsonutil"
	"github.com/ekaya-inc/payroll-engine/pkg/models"
)

// DefaultHeaderSearchRows bounds the automatic header row search.
const DefaultHeaderSearchRows = 25

// Layout describes an ERP's exports, one KindLayout per supported file kind.
type Layout struct {
	ERP         string                          `yaml:"erp"`
	DisplayName string                          `yaml:"display_name"`
	Description string                          `yaml:"description"`
	Kinds       map[models.FileKind]*KindLayout `yaml:"kinds"`
}

// KindLayout describes one file kind. Column lists are header aliases compared
// after FoldHeader.
type KindLayout struct {
	Extensions []string `yaml:"extensions"`
	SheetHints []string `yaml:"sheet_hints"`
	// HeaderRow is 1-based; zero searches the first rows for an identifier header.
	HeaderRow int    `yaml:"header_row"`
	Delimiter string `yaml:"delimiter"`
	Encoding  string `yaml:"encoding"`
	Shape     Shape  `yaml:"shape"`

	Identifier   []string `yaml:"identifier"`
	CheckDigit   []string `yaml:"check_digit"`
	Name         []string `yaml:"name"`
	ConceptName  []string `yaml:"concept_name"`
	Amount       []string `yaml:"amount"`
	MovementType []string `yaml:"movement_type"`
	StartDate    []string `yaml:"start_date"`
	EndDate      []string `yaml:"end_date"`
	Ignore       []string `yaml:"ignore"`

	// MovementValues maps folded cell values of the movement type column.
	MovementValues map[string]models.MovementType `yaml:"movement_values"`
	// FixedMovement applies to every row when the file has no type column.
	FixedMovement models.MovementType `yaml:"fixed_movement"`
	DateOrders    []DateOrder         `yaml:"date_orders"`

	// Required lists roles that must be present in the header row.
	Required []ColumnRole `yaml:"required"`
}

// Aliases returns the alias list for role.
func (k *KindLayout) Aliases(role ColumnRole) []string {
	switch role {
	case RoleIdentifier:
		return k.Identifier
	case RoleCheckDigit:
		return k.CheckDigit
	case RoleName:
		return k.Name
	case RoleConceptName:
		return k.ConceptName
	case RoleAmount:
		return k.Amount
	case RoleMovementType:
		return k.MovementType
	case RoleStartDate:
		return k.StartDate
	case RoleEndDate:
		return k.EndDate
	case RoleIgnored:
		return k.Ignore
	default:
		return nil
	}
}

// roleOrder is the order in which roles claim header columns.
var roleOrder = []ColumnRole{
	RoleIdentifier, RoleCheckDigit, RoleName, RoleConceptName, RoleAmount,
	RoleMovementType, RoleStartDate, RoleEndDate, RoleIgnored,
}

// ParseLayout decodes and validates a YAML layout.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if l.ERP == "" {
		return nil, fmt.Errorf("layout has no erp identifier")
	}
	if len(l.Kinds) == 0 {
		return nil, fmt.Errorf("layout %q declares no file kinds", l.ERP)
	}
	for kind, kl := range l.Kinds {
		if !kind.IsValid() {
			return nil, fmt.Errorf("layout %q: unknown file kind %q", l.ERP, kind)
		}
		if kl == nil {
			return nil, fmt.Errorf("layout %q: empty definition for %s", l.ERP, kind)
		}
		if len(kl.Extensions) == 0 {
			return nil, fmt.Errorf("layout %q: %s declares no extensions", l.ERP, kind)
		}
		if len(kl.Identifier) == 0 {
			return nil, fmt.Errorf("layout %q: %s declares no identifier column", l.ERP, kind)
		}
		if kl.Shape == "" {
			kl.Shape = ShapeWide
		}
		if kl.FixedMovement != "" && !kl.FixedMovement.IsValid() {
			return nil, fmt.Errorf("layout %q: %s has unknown fixed movement %q", l.ERP, kind, kl.FixedMovement)
		}
		folded := make(map[string]models.MovementType, len(kl.MovementValues))
		for k, v := range kl.MovementValues {
			if !v.IsValid() {
				return nil, fmt.Errorf("layout %q: %s maps %q to unknown movement %q", l.ERP, kind, k, v)
			}
			folded[FoldHeader(k)] = v
		}
		kl.MovementValues = folded
		for i, ext := range kl.Extensions {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			kl.Extensions[i] = ext
		}
	}
	return &l, nil
}

// MustParseLayout is ParseLayout for embedded layouts known at build time.
func MustParseLayout(data []byte) *Layout {
	l, err := ParseLayout(data)
	if err != nil {
		panic(err)
	}
	return l
}

// SortedKinds returns the declared kinds in a stable order.
func (l *Layout) SortedKinds() []models.FileKind {
	out := make([]models.FileKind, 0, len(l.Kinds))
	for k := range l.Kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// Client options
// ============================================================================

// OptionsFromConfig reads adapter overrides from a client's adapter options.
// Values may arrive as strings or numbers.
func OptionsFromConfig(cfg map[string]any) (Options, error) {
	var opts Options
	if v, ok := jsonutil.FlexibleString(cfg["sheet_name"]); ok {
		opts.SheetName = strings.TrimSpace(v)
	}
	if v, ok := jsonutil.FlexibleString(cfg["delimiter"]); ok && v != "" {
		switch v {
		case `\t`, "tab", "TAB":
			opts.Delimiter = '\t'
		default:
			r := []rune(v)
			if len(r) != 1 {
				return Options{}, apperrors.Configuration(nil, "adapter option delimiter must be a single character, got %q", v)
			}
			opts.Delimiter = r[0]
		}
	}
	if raw, present := cfg["header_row"]; present && raw != nil {
		n, ok := jsonutil.FlexibleInt(raw)
		if !ok || n < 1 {
			return Options{}, apperrors.Configuration(nil, "adapter option header_row must be a positive integer, got %v", raw)
		}
		opts.HeaderRow = n
	}
	return opts, nil
}
