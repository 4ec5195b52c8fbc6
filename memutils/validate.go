package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all allocators with a Validate method. Validate walks the allocator's bookkeeping
// and reports the first broken invariant it finds.
type Validatable interface {
	Validate() error
}
