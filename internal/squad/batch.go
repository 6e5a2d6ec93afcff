package squad

// Batch is a group of examples truncated to the configured lengths.
type Batch struct {
	Examples    []Example
	ContextLen  int
	QuestionLen int
}

// Len returns the number of examples.
func (b *Batch) Len() int {
	return len(b.Examples)
}

// Batcher cuts example lists into batches.
type Batcher struct {
	BatchSize   int
	ContextLen  int
	QuestionLen int
	// DropLong skips examples whose gold span ends past ContextLen instead
	// of keeping them with the span removed. Training sets it.
	DropLong bool
}

// Batches truncates every example and groups them in order. Truncation
// reslices the token slices, so examples share their backing arrays with
// the input.
func (b Batcher) Batches(examples []Example) []*Batch {
	size := b.BatchSize
	if size <= 0 {
		size = len(examples)
	}
	var batches []*Batch
	current := &Batch{ContextLen: b.ContextLen, QuestionLen: b.QuestionLen}
	for _, ex := range examples {
		ex, ok := b.truncate(ex)
		if !ok {
			continue
		}
		current.Examples = append(current.Examples, ex)
		if len(current.Examples) == size {
			batches = append(batches, current)
			current = &Batch{ContextLen: b.ContextLen, QuestionLen: b.QuestionLen}
		}
	}
	if len(current.Examples) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (b Batcher) truncate(ex Example) (Example, bool) {
	if b.ContextLen > 0 && len(ex.Context) > b.ContextLen {
		ex.Context = ex.Context[:b.ContextLen]
		if ex.Span != nil && ex.Span.End >= b.ContextLen {
			if b.DropLong {
				return ex, false
			}
			ex.Span = nil
		}
	}
	if b.QuestionLen > 0 && len(ex.Question) > b.QuestionLen {
		ex.Question = ex.Question[:b.QuestionLen]
	}
	return ex, true
}
