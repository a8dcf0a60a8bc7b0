package indexes

import "slices"

// Mutation is one staged side-store write.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Batch collects mutations between commits. Not safe for concurrent use;
// the runner confines each batch to its own goroutine.
type Batch struct {
	muts []Mutation
}

// Put stages key=value. Key and value are copied.
func (b *Batch) Put(key, value []byte) {
	b.muts = append(b.muts, Mutation{
		Key:   slices.Clone(key),
		Value: slices.Clone(value),
	})
}

// Delete stages removal of key. The key is copied.
func (b *Batch) Delete(key []byte) {
	b.muts = append(b.muts, Mutation{
		Key:    slices.Clone(key),
		Delete: true,
	})
}

// Len reports the number of staged mutations.
func (b *Batch) Len() int {
	return len(b.muts)
}

// take hands the staged mutations to the committer and resets the batch.
func (b *Batch) take() []Mutation {
	muts := b.muts
	b.muts = nil
	return muts
}
