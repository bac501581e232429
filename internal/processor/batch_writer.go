package processor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/internal/models"
)

// MaxBatchSize keeps one multi-row INSERT under the bind parameter limits of
// SQLite (32766) and the PostgreSQL wire protocol (65535) at 15 columns per row.
const MaxBatchSize = 2000

// BatchWriter buffers transactions and writes each full buffer with a single
// multi-row INSERT on tx. It does not commit: the caller owns the transaction.
type BatchWriter struct {
	tx     *gorm.DB
	size   int
	logger *logrus.Logger
	buffer []*models.Transaction

	batches int
	written int
	// Called after every successful batch with its size
	onBatch func(rows int)
}

// NewBatchWriter creates a batch writer on tx. size is clamped to MaxBatchSize.
func NewBatchWriter(tx *gorm.DB, size int, logger *logrus.Logger) *BatchWriter {
	if size <= 0 {
		size = 1000
	}
	if size > MaxBatchSize {
		logger.WithFields(logrus.Fields{
			"requested": size,
			"max":       MaxBatchSize,
		}).Warn("Batch size too large, clamping")
		size = MaxBatchSize
	}
	return &BatchWriter{
		tx:     tx,
		size:   size,
		logger: logger,
		buffer: make([]*models.Transaction, 0, size),
	}
}

// OnBatch registers a callback invoked after each written batch.
func (w *BatchWriter) OnBatch(fn func(rows int)) {
	w.onBatch = fn
}

// Add buffers t and writes the batch once it reaches the configured size.
func (w *BatchWriter) Add(ctx context.Context, t *models.Transaction) error {
	w.buffer = append(w.buffer, t)
	if len(w.buffer) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes whatever is buffered. A failed batch is returned as is; the
// enclosing transaction is expected to roll back.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.processBatch(ctx, w.buffer); err != nil {
		return err
	}

	w.batches++
	w.written += len(w.buffer)
	if w.onBatch != nil {
		w.onBatch(len(w.buffer))
	}
	w.logger.WithFields(logrus.Fields{
		"batch":   w.batches,
		"rows":    len(w.buffer),
		"written": w.written,
	}).Debug("Wrote transaction batch")

	w.buffer = make([]*models.Transaction, 0, w.size)
	return nil
}

func (w *BatchWriter) processBatch(ctx context.Context, batch []*models.Transaction) error {
	if err := w.tx.WithContext(ctx).Omit("Commune", "PropertyType").Create(&batch).Error; err != nil {
		return fmt.Errorf("failed to insert batch %d of %d transactions: %w", w.batches+1, len(batch), err)
	}
	return nil
}

// Batches returns the number of batches written so far.
func (w *BatchWriter) Batches() int { return w.batches }

// Written returns the number of rows written so far.
func (w *BatchWriter) Written() int { return w.written }

// Pending returns the number of buffered rows not yet written.
func (w *BatchWriter) Pending() int { return len(w.buffer) }
