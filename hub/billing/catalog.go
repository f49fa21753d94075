package billing

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/amurg-ai/entitle/hub/config"
)

// Tier is an internal plan with its monthly credit allotment.
type Tier struct {
	Name           string `json:"name"`
	MonthlyCredits int    `json:"monthly_credits"`
}

// TierResolver maps provider prices to tiers.
type TierResolver interface {
	// Resolve returns the tier for a price, or an error matching ErrUnknownTier.
	Resolve(priceID string) (Tier, error)
	// Free returns the tier granted without a paid subscription.
	Free() Tier
}

// Plan is a catalog entry as listed to clients.
type Plan struct {
	PriceID string `json:"price_id"`
	Tier
}

// Catalog is the in-memory price → tier mapping. It is safe for concurrent
// use and can be replaced atomically at runtime.
type Catalog struct {
	mu      sync.RWMutex
	free    Tier
	byPrice map[string]Tier
}

// NewCatalog builds a catalog from configuration entries.
func NewCatalog(free config.TierEntry, tiers []config.TierEntry) (*Catalog, error) {
	c := &Catalog{free: Tier{Name: free.Name, MonthlyCredits: free.MonthlyCredits}}
	if err := c.Replace(tiers); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Resolve(priceID string) (Tier, error) {
	priceID = strings.TrimSpace(priceID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byPrice[priceID]
	if !ok || priceID == "" {
		return Tier{}, fmt.Errorf("%w: price %q", ErrUnknownTier, priceID)
	}
	return t, nil
}

func (c *Catalog) Free() Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.free
}

// Tiers lists the paid tiers ordered by allotment, then name.
func (c *Catalog) Tiers() []Plan {
	c.mu.RLock()
	plans := make([]Plan, 0, len(c.byPrice))
	for priceID, t := range c.byPrice {
		plans = append(plans, Plan{PriceID: priceID, Tier: t})
	}
	c.mu.RUnlock()

	sort.Slice(plans, func(i, j int) bool {
		if plans[i].MonthlyCredits != plans[j].MonthlyCredits {
			return plans[i].MonthlyCredits < plans[j].MonthlyCredits
		}
		return plans[i].Name < plans[j].Name
	})
	return plans
}

// Replace swaps the paid tiers. The catalog is left untouched when the new
// entries are invalid.
func (c *Catalog) Replace(tiers []config.TierEntry) error {
	if err := config.ValidateTiers(tiers); err != nil {
		return err
	}
	next := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		next[strings.TrimSpace(t.PriceID)] = Tier{Name: t.Name, MonthlyCredits: t.MonthlyCredits}
	}
	c.mu.Lock()
	c.byPrice = next
	c.mu.Unlock()
	return nil
}

// LoadTiersFile reads a JSON array of tier entries.
func LoadTiersFile(path string) ([]config.TierEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	var tiers []config.TierEntry
	if err := json.Unmarshal(data, &tiers); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}
	if err := config.ValidateTiers(tiers); err != nil {
		return nil, fmt.Errorf("tiers file %s: %w", path, err)
	}
	return tiers, nil
}
