// Package storage persists course backup archives between the moment a
// deferred duplication is queued and the drain pass that restores it, so a
// crashed worker never strands a destination course with no artifact.
package storage

import (
	"context"
	"fmt"
	"io"
)

type ArchiveStore interface {
	Put(ctx context.Context, key string, data io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RestorationKey names the staged archive of one queued restoration.
func RestorationKey(restorationID int64) string {
	return fmt.Sprintf("restorations/%d.mbz", restorationID)
}
