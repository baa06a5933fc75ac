package catalog

type config struct {
	forcedType string
	onSkip     func(path string, err error)
}

type Option func(*config)

// WithForcedType labels every regular file with t instead of its extension.
func WithForcedType(t string) Option {
	return func(c *config) { c.forcedType = t }
}

// WithSkipHook is called for each entry left out of a result, with the
// reason it was skipped.
func WithSkipHook(fn func(path string, err error)) Option {
	return func(c *config) { c.onSkip = fn }
}

func newConfig(opts []Option) config {
	var c config
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	if c.onSkip == nil {
		c.onSkip = func(string, error) {}
	}
	return c
}
