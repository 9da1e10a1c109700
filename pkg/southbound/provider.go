package southbound

// Provider consumes southbound events. Events reach a provider one at a time
// and in the order the server reported the changes.
type Provider interface {
	ProcessEvent(event *Event) error
}

// ProviderFuncs builds a Provider out of per-action functions. Any of them
// may be nil.
type ProviderFuncs struct {
	AddFunc    func(event *Event) error
	UpdateFunc func(event *Event) error
	DeleteFunc func(event *Event) error
}

func (p ProviderFuncs) ProcessEvent(event *Event) error {
	var f func(*Event) error
	switch event.Action {
	case ActionAdd:
		f = p.AddFunc
	case ActionUpdate:
		f = p.UpdateFunc
	case ActionDelete:
		f = p.DeleteFunc
	}
	if f == nil {
		return nil
	}
	return f(event)
}
