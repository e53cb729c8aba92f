package models

import "errors"

// ErrBatchSealed is returned when appending to a sealed batch.
var ErrBatchSealed = errors.New("batch: sealed")

// OutputBatch is a bounded, ordered group of records for one category.
type OutputBatch struct {
	Category string
	Index    int
	Capacity int
	Records  []*FlatProduct

	sealed bool
}

// NewOutputBatch creates an empty batch. Capacity below one means one.
func NewOutputBatch(category string, index, capacity int) *OutputBatch {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBatch{
		Category: category,
		Index:    index,
		Capacity: capacity,
		Records:  make([]*FlatProduct, 0, min(capacity, 1024)),
	}
}

// Append adds a record. The batch seals itself once full.
func (b *OutputBatch) Append(p *FlatProduct) error {
	if b.sealed {
		return ErrBatchSealed
	}
	b.Records = append(b.Records, p)
	if len(b.Records) >= b.Capacity {
		b.sealed = true
	}
	return nil
}

// Seal prevents further appends.
func (b *OutputBatch) Seal() { b.sealed = true }

func (b *OutputBatch) Sealed() bool { return b.sealed }

func (b *OutputBatch) Len() int { return len(b.Records) }

func (b *OutputBatch) Full() bool { return len(b.Records) >= b.Capacity }
