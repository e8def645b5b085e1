//go:build !profile

package prof

// Start is a no-op when built without the "profile" tag.
func Start(_ Options) (func() error, error) {
	return func() error { return nil }, nil
}
