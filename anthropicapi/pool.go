package anthropicapi

import (
	"fmt"
	"sync"
)

// Credential is one API key with its fixed position in the pool. The index
// lets callers track which credentials were already tried within a single
// dispatch.
type Credential struct {
	Index  int
	APIKey string
}

// Pool rotates over a fixed set of API credentials round-robin, spreading
// load and sidestepping a single exhausted or rate-limited key. The set is
// fixed at construction.
type Pool struct {
	mu    sync.Mutex
	creds []Credential
	next  int
}

// NewPool builds a pool from the configured keys. At least one is required.
func NewPool(keys []string) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("credential pool requires at least one api key")
	}
	creds := make([]Credential, len(keys))
	for i, k := range keys {
		creds[i] = Credential{Index: i, APIKey: k}
	}
	return &Pool{creds: creds}, nil
}

// Next returns the next credential in round-robin order, cycling indefinitely.
func (p *Pool) Next() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.creds[p.next]
	p.next = (p.next + 1) % len(p.creds)
	return c
}

// Specific returns the credential at position index modulo pool size.
// Used for deterministic access in diagnostics.
func (p *Pool) Specific(index int) Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := index % len(p.creds)
	if i < 0 {
		i += len(p.creds)
	}
	return p.creds[i]
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
