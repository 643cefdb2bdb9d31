package convo

import "sync"

// DefaultPrompt holds the process-wide default system prompt, which is the
// current manual document. It starts empty when no manual has been registered
// yet and is swapped atomically when the manual is updated.
type DefaultPrompt struct {
	mu   sync.RWMutex
	text string
}

func (p *DefaultPrompt) Get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

func (p *DefaultPrompt) Set(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text = text
}
