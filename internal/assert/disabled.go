//go:build gpumem_release

package assert

// Enabled reports whether contract checks are compiled in.
const Enabled = false
