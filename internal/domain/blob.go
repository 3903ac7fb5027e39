package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// BlobLister lists stored objects under a prefix.
type BlobLister interface {
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// CandleArchive is one archived batch of candles for an instrument.
type CandleArchive struct {
	Instrument  string    `json:"instrument"`
	Period      string    `json:"period"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	GeneratedAt time.Time `json:"generated_at"`
	Candles     []Candle  `json:"candles"`
}

// ArchiveStore lists and reads archived candle documents.
type ArchiveStore interface {
	BlobLister
	ReadArchive(ctx context.Context, path string) (CandleArchive, error)
}
