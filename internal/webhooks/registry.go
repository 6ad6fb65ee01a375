package webhooks

type Registry struct {
	handlers []Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

func (r *Registry) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Find returns the first handler claiming the provider tag, or nil.
func (r *Registry) Find(provider string) Handler {
	for _, h := range r.handlers {
		if h.CanHandle(provider) {
			return h
		}
	}
	return nil
}
