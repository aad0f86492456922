package server

import (
	"context"
	"sync"
)

// Company is a builder-directory entry served by the native API.
type Company struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Region  string `json:"region,omitempty"`
	Website string `json:"website,omitempty"`
}

// DirectoryStore abstracts the relational store behind the native API. List
// queries follow the (rows, total) contract so handlers can paginate without
// a second count round-trip.
type DirectoryStore interface {
	ListCompanies(ctx context.Context, page, perPage int) ([]Company, int, error)
	GetCompany(ctx context.Context, id string) (Company, bool, error)
}

// MemoryDirectory keeps the directory in memory. It stands in for the
// relational store in dev mode and in tests.
type MemoryDirectory struct {
	mu        sync.RWMutex
	companies []Company
}

// NewMemoryDirectory constructs the store with optional seed rows.
func NewMemoryDirectory(seed []Company) *MemoryDirectory {
	return &MemoryDirectory{companies: seed}
}

// ListCompanies returns one page of rows plus the unpaginated total.
func (s *MemoryDirectory) ListCompanies(ctx context.Context, page, perPage int) ([]Company, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.companies)
	start := (page - 1) * perPage
	if start >= total {
		return []Company{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}

	rows := make([]Company, end-start)
	copy(rows, s.companies[start:end])
	return rows, total, nil
}

// GetCompany fetches a single row by id.
func (s *MemoryDirectory) GetCompany(ctx context.Context, id string) (Company, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.companies {
		if c.ID == id {
			return c, true, nil
		}
	}
	return Company{}, false, nil
}

// Add inserts a row. Used by dev seeding and tests.
func (s *MemoryDirectory) Add(c Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies = append(s.companies, c)
}
