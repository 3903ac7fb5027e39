package orderbook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Directory maps instruments to their synchronizers. Books never share a
// lock; the directory lock only guards the map.
type Directory struct {
	mu    sync.RWMutex
	books map[string]*Synchronizer
}

func NewDirectory() *Directory {
	return &Directory{books: make(map[string]*Synchronizer)}
}

// Add registers s, replacing any previous book for the same instrument.
func (d *Directory) Add(s *Synchronizer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.books[s.Instrument()] = s
}

func (d *Directory) Get(instrument string) (*Synchronizer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.books[instrument]
	return s, ok
}

// View returns the book view for instrument or domain.ErrNotFound.
func (d *Directory) View(instrument string, depth int) (domain.BookView, error) {
	s, ok := d.Get(instrument)
	if !ok {
		return domain.BookView{}, fmt.Errorf("orderbook: view %s: %w", instrument, domain.ErrNotFound)
	}
	return s.View(depth), nil
}

// Instruments returns the tracked instruments in sorted order.
func (d *Directory) Instruments() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.books))
	for k := range d.books {
		out = append(out, k)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.books)
}
