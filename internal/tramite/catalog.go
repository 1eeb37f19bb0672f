// Package tramite owns the price list of the administrative procedures that can be paid
// through the portal. Amounts come from here, never from the caller, unless the
// procedure has no fixed cost.
package tramite

import (
	"fmt"
	"sort"
	"strings"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/shopspring/decimal"
)

type Tramite struct {
	Code string           `json:"code"`
	Name string           `json:"name"`
	Cost *decimal.Decimal `json:"cost,omitempty"`
}

// Variable reports whether the caller has to supply the amount.
func (t Tramite) Variable() bool {
	return t.Cost == nil
}

func fixed(code, name, cost string) Tramite {
	d := decimal.RequireFromString(cost)
	return Tramite{Code: code, Name: name, Cost: &d}
}

var builtin = []Tramite{
	fixed("licencia", "Licencia de funcionamiento", "1.00"),
	fixed("permiso_construccion", "Permiso de construccion", "150.00"),
	fixed("certificado_residencia", "Certificado de residencia", "5.00"),
	fixed("inscripcion_proveedor", "Inscripcion en registro de proveedores", "25.00"),
	fixed("bases_licitacion", "Compra de bases de licitacion", "50.00"),
	{Code: "multa", Name: "Pago de multa"},
}

type Catalog struct {
	entries map[string]Tramite
}

// Override replaces or adds a catalog entry. An empty Cost makes the tramite variable.
type Override struct {
	Name string
	Cost string
}

func NewCatalog(overrides map[string]Override) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Tramite, len(builtin)+len(overrides))}
	for _, t := range builtin {
		c.entries[t.Code] = t
	}

	for code, o := range overrides {
		code = normalize(code)
		if code == "" {
			return nil, fmt.Errorf("tramite override with empty code")
		}
		t := Tramite{Code: code, Name: o.Name}
		if existing, ok := c.entries[code]; ok && t.Name == "" {
			t.Name = existing.Name
		}
		if o.Cost != "" {
			d, err := decimal.NewFromString(o.Cost)
			if err != nil {
				return nil, fmt.Errorf("tramite %s: invalid cost %q: %w", code, o.Cost, err)
			}
			if !d.IsPositive() {
				return nil, fmt.Errorf("tramite %s: cost must be positive", code)
			}
			t.Cost = &d
		}
		c.entries[code] = t
	}

	return c, nil
}

func (c *Catalog) Lookup(code string) (Tramite, bool) {
	t, ok := c.entries[normalize(code)]
	return t, ok
}

func (c *Catalog) List() []Tramite {
	out := make([]Tramite, 0, len(c.entries))
	for _, t := range c.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ResolveAmount returns the amount to charge for code. A fixed-cost tramite accepts a
// caller amount only when it matches the table.
func (c *Catalog) ResolveAmount(code string, callerAmount *decimal.Decimal) (Tramite, decimal.Decimal, error) {
	t, ok := c.Lookup(code)
	if !ok {
		return Tramite{}, decimal.Zero, errors.NewValidationFieldError("tramite", fmt.Sprintf("unknown tramite %q", code), errors.ErrCodeUnknownTramite)
	}

	if t.Variable() {
		if callerAmount == nil || !callerAmount.IsPositive() {
			return t, decimal.Zero, errors.NewValidationFieldError("amount", fmt.Sprintf("tramite %s requires a positive amount", t.Code), errors.ErrCodeInvalidAmount)
		}
		return t, callerAmount.Round(2), nil
	}

	if callerAmount != nil && !callerAmount.Equal(*t.Cost) {
		return t, decimal.Zero, errors.NewValidationFieldError("amount",
			fmt.Sprintf("amount %s does not match the cost of %s (%s)", callerAmount.StringFixed(2), t.Code, t.Cost.StringFixed(2)),
			errors.ErrCodeInvalidAmount)
	}
	return t, *t.Cost, nil
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
