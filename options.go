package fetchq

type options struct {
	tag string
}

// Option configures a request passed to Add, AddBatched or Prioritize.
type Option func(*options)

// Tag sets a caller label used in logs and ListTasks. If not provided, a
// random UUID is used.
func Tag(tag string) Option {
	return func(o *options) {
		o.tag = tag
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
