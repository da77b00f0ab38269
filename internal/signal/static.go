package signal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/unionpay/riskgate/internal/models"
)

// StaticProvider serves signals from memory. Subjects it has never seen
// have no known identity change.
type StaticProvider struct {
	mu      sync.RWMutex
	changes map[string]time.Time
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{changes: make(map[string]time.Time)}
}

// ParseStaticSignals reads "subject=RFC3339[,subject=RFC3339...]".
func ParseStaticSignals(spec string) (*StaticProvider, error) {
	p := NewStaticProvider()
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		subject, ts, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("static signal %q: want subject=timestamp", pair)
		}
		changedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(ts))
		if err != nil {
			return nil, fmt.Errorf("static signal %q: %w", pair, err)
		}
		p.Set(strings.TrimSpace(subject), changedAt)
	}
	return p, nil
}

func (p *StaticProvider) Set(subjectID string, changedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes[subjectID] = changedAt
}

func (p *StaticProvider) GetSignal(_ context.Context, subjectID string) (models.RiskSignal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	signal := models.RiskSignal{SubjectID: subjectID}
	if changedAt, ok := p.changes[subjectID]; ok {
		signal.ChangedAt = &changedAt
	}
	return signal, nil
}
