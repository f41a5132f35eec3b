// Package authority is the certificate authority and provider directory
// consulted before trusting a pool operator's advertising multiplier.
package authority

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderExists   = errors.New("provider already registered for garden")
)

type ProviderType string

const (
	TypeStandard    ProviderType = "standard"
	TypeAdvertising ProviderType = "advertising"
)

type Provider struct {
	UUID       string       `json:"uuid"`
	Name       string       `json:"name"`
	GardenID   string       `json:"gardenId"`
	Type       ProviderType `json:"type"`
	Multiplier float64      `json:"multiplier"` // iTax multiplier when Type is advertising
	Revoked    bool         `json:"revoked"`
}

// Authority validates provider identity.
type Authority interface {
	IsValid(providerUUID string) bool
}

// Directory is an in-process Authority keyed by provider uuid and garden.
type Directory struct {
	mu                sync.RWMutex
	byUUID            map[string]*Provider
	byGarden          map[string]string // gardenID -> uuid
	defaultMultiplier float64
}

var _ Authority = (*Directory)(nil)

// NewDirectory creates an empty directory. defaultMultiplier applies to
// advertising providers registered without one.
func NewDirectory(defaultMultiplier float64) *Directory {
	return &Directory{
		byUUID:            make(map[string]*Provider),
		byGarden:          make(map[string]string),
		defaultMultiplier: defaultMultiplier,
	}
}

// Register issues a certificate for p and returns it with its uuid assigned.
func (d *Directory) Register(p Provider) (Provider, error) {
	if p.GardenID == "" {
		return Provider{}, fmt.Errorf("provider %q needs a garden", p.Name)
	}
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	if p.Type == "" {
		p.Type = TypeStandard
	}
	if p.Type == TypeAdvertising && p.Multiplier <= 0 {
		p.Multiplier = d.defaultMultiplier
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byGarden[p.GardenID]; exists {
		return Provider{}, fmt.Errorf("%w: %s", ErrProviderExists, p.GardenID)
	}
	cp := p
	d.byUUID[p.UUID] = &cp
	d.byGarden[p.GardenID] = p.UUID
	return p, nil
}

// Revoke invalidates a provider certificate.
func (d *Directory) Revoke(providerUUID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byUUID[providerUUID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerUUID)
	}
	p.Revoked = true
	return nil
}

func (d *Directory) IsValid(providerUUID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.byUUID[providerUUID]
	return ok && !p.Revoked
}

// Resolve returns the provider operating a garden.
func (d *Directory) Resolve(gardenID string) (Provider, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byGarden[gardenID]
	if !ok {
		return Provider{}, fmt.Errorf("%w: garden %s", ErrProviderNotFound, gardenID)
	}
	return *d.byUUID[id], nil
}

// Multiplier returns the iTax multiplier for a garden: the provider's multiplier
// when it is a valid advertising provider, otherwise 1.
func (d *Directory) Multiplier(gardenID string) float64 {
	p, err := d.Resolve(gardenID)
	if err != nil || p.Type != TypeAdvertising || !d.IsValid(p.UUID) {
		return 1
	}
	return p.Multiplier
}

func (d *Directory) List() []Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Provider, 0, len(d.byUUID))
	for _, p := range d.byUUID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GardenID < out[j].GardenID })
	return out
}

// Seed registers one provider per garden for the default pool set.
// garden-1 is an advertising provider.
func (d *Directory) Seed(gardens ...string) error {
	for i, g := range gardens {
		p := Provider{Name: fmt.Sprintf("Garden %d", i+1), GardenID: g, Type: TypeStandard}
		if i == 0 {
			p.Type = TypeAdvertising
		}
		if _, err := d.Register(p); err != nil && !errors.Is(err, ErrProviderExists) {
			return err
		}
	}
	return nil
}
